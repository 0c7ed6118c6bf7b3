package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultCols = 80
	DefaultRows = 24

	maxDimension = 1000
)

// DefaultIdentityHeader carries the authenticated user set by a fronting
// proxy.
const DefaultIdentityHeader = "X-Forwarded-User"

// Params are the connection parameters, fixed at connect time apart from
// geometry.
type Params struct {
	PaneID   string
	Cwd      string
	Agent    string
	Session  string
	Cols     uint16
	Rows     uint16
	Identity string
}

// ParseParams reads connection parameters from the request query. A
// missing pane id is generated. The token parameter is checked by the
// fronting proxy and ignored here.
func ParseParams(r *http.Request, identityHeader string) Params {
	q := r.URL.Query()
	if identityHeader == "" {
		identityHeader = DefaultIdentityHeader
	}
	p := Params{
		PaneID:   strings.TrimSpace(q.Get("pane")),
		Cwd:      q.Get("cwd"),
		Agent:    strings.TrimSpace(q.Get("agent")),
		Session:  strings.TrimSpace(q.Get("session")),
		Cols:     parseDimension(q.Get("cols"), DefaultCols),
		Rows:     parseDimension(q.Get("rows"), DefaultRows),
		Identity: r.Header.Get(identityHeader),
	}
	if p.PaneID == "" {
		p.PaneID = uuid.NewString()
	}
	return p
}

func parseDimension(raw string, def uint16) uint16 {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return clampDimension(n)
}

func clampDimension(n int) uint16 {
	switch {
	case n < 1:
		return 1
	case n > maxDimension:
		return maxDimension
	default:
		return uint16(n)
	}
}

// WorkdirResolver picks the working directory of a new pane.
type WorkdirResolver interface {
	Workdir(ctx context.Context, paneID, requested string) (string, error)
}

// WorkdirFunc adapts a function to WorkdirResolver.
type WorkdirFunc func(ctx context.Context, paneID, requested string) (string, error)

func (f WorkdirFunc) Workdir(ctx context.Context, paneID, requested string) (string, error) {
	return f(ctx, paneID, requested)
}

// HomeWorkdir uses the requested directory when it is absolute and the
// user's home directory otherwise.
var HomeWorkdir WorkdirResolver = WorkdirFunc(func(_ context.Context, _ string, requested string) (string, error) {
	if requested != "" && filepath.IsAbs(requested) {
		return filepath.Clean(requested), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return home, nil
})

// IsLocalOrigin reports whether the request has no Origin header or one
// naming a loopback host.
func IsLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
