package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/pkg/plugin"
)

// Web gateway users all share a handful of gateway hosts; the connecting
// IP is embedded in the hostname instead, so masks ban the IP directly.
const webGatewayPrefix = "gateway/web/freenode/ip."

// resolveTarget turns a user-supplied target into a banmask. Full masks
// and extbans pass through untouched; a bare nick is whois'd and turned
// into a *!*@host mask, with gateway hosts special-cased so the mask
// sticks to the person rather than the gateway.
func resolveTarget(ctx context.Context, tr plugin.Transport, target string) (string, error) {
	if strings.HasPrefix(target, "$") {
		return target, nil
	}
	if strings.Contains(target, "!") && strings.Contains(target, "@") {
		return target, nil
	}

	result, err := tr.IssueRequest(ctx, irc.ReqWhois, plugin.Args{"nick": target})
	if err != nil {
		return "", err
	}
	reply, ok := result.(irc.WhoisReply)
	if !ok {
		return "", fmt.Errorf("unexpected whois result %T", result)
	}

	host := reply.Host
	switch {
	case strings.HasPrefix(host, webGatewayPrefix):
		// The suffix is the bare IP.
		host = strings.TrimPrefix(host, webGatewayPrefix)
		return "*!*@" + host, nil
	case strings.HasPrefix(host, "gateway/"):
		// Other gateways identify the user by username.
		return "*!" + reply.Username + "@gateway/*", nil
	default:
		return "*!*@" + host, nil
	}
}
