package main

import (
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/jackpal/gateway"
	"github.com/mdp/qrterminal/v3"

	"lan-file-drop/internal/logging"
)

// lanIP returns the IPv4 address of the interface facing the default
// gateway, falling back to loopback when there is no usable network.
func lanIP() string {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		logging.Debug("gateway discovery failed", map[string]any{"error": err.Error()})
		return "127.0.0.1"
	}
	ip, err := localIPForGateway(gw)
	if err != nil {
		logging.Debug("no interface for gateway", map[string]any{"gateway": gw.String(), "error": err.Error()})
		return "127.0.0.1"
	}
	return ip.String()
}

// localIPForGateway finds the local IPv4 address in the gateway's subnet.
func localIPForGateway(gw net.IP) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || !ip4.IsGlobalUnicast() {
				continue
			}
			if ipnet.Contains(gw) {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("no IPv4 address in the subnet of gateway %s", gw)
}

// shareURL is the address other devices on the network should open. A
// plain shared secret rides along as the token query parameter so a phone
// scanning the code is authenticated.
func shareURL(addr, lan, secret string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = "", "5000"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = lan
	}

	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/files"}
	if secret != "" {
		u.RawQuery = url.Values{"token": {secret}}.Encode()
	}
	return u.String()
}

func printBanner(w io.Writer, link string, showQR bool) {
	fmt.Fprintf(w, "\nLAN File Drop is up\n  %s\n", link)
	if !showQR {
		return
	}
	fmt.Fprintln(w, "\nScan to open on another device:")
	qrterminal.GenerateWithConfig(link, qrterminal.Config{
		Level:          qrterminal.M,
		Writer:         w,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})
}
