// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/counselcall/internal/config"
)

// PromptInteractive asks for the identity and connection settings on in and
// returns the edited config. An invalid result keeps cfg unchanged.
func PromptInteractive(in io.Reader, out io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)
	next := cfg

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "counselcall interactive setup")
	fmt.Fprintf(out, " Instance folder : %s\n", dir)
	fmt.Fprintf(out, " Config file     : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	next.Identity.UserID = askString(r, out, "User ID (empty=signed out)", next.Identity.UserID)
	if next.Identity.UserID != "" {
		next.Identity.Name = askString(r, out, "Display name", next.Identity.Name)
		next.Identity.Role = askString(r, out, "Role (counselor/student)", next.Identity.Role)
	}

	next.Store.Backend = askString(r, out, "Store backend (hub/sqlite/mongo/memory)", next.Store.Backend)
	switch next.Store.Backend {
	case config.BackendHub:
		next.Hub.URL = askString(r, out, "Hub URL", next.Hub.URL)
	case config.BackendMongo:
		next.Store.MongoURI = askString(r, out, "MongoDB URI", next.Store.MongoURI)
		next.Store.MongoDatabase = askString(r, out, "MongoDB database", next.Store.MongoDatabase)
	}
	next.Hub.Token = askString(r, out, "Hub token (empty=none)", next.Hub.Token)

	next.Call.RingTimeoutSec = askInt(r, out, "Ring timeout seconds", next.Call.RingTimeoutSec)
	next.Call.ReceiveOnlyFallback = askBool(r, out, "Join calls without camera/microphone when none is found", next.Call.ReceiveOnlyFallback)
	next.Viewer.HTTPAddr = askString(r, out, "Dashboard API addr (empty=off)", next.Viewer.HTTPAddr)

	if err := next.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping previous settings.\n", err)
		return cfg
	}
	return next
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
