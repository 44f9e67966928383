package upload

import "context"

// IsComplete reports whether every index in [0, total) is present in the
// session. Extra entries (temp files, out of range numbers) are ignored and
// a session that does not exist is simply incomplete.
func IsComplete(ctx context.Context, store Backend, token string, total int) (bool, error) {
	if total <= 0 {
		return false, nil
	}

	indices, err := store.ListIndices(ctx, token)
	if err != nil {
		return false, err
	}

	seen := make([]bool, total)
	missing := total
	for _, i := range indices {
		if i < 0 || i >= total || seen[i] {
			continue
		}
		seen[i] = true
		missing--
	}
	return missing == 0, nil
}
