package context

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// VersionInfo contains the application version and build metadata.
type VersionInfo struct {
	// Semantic is the version of the main module, e.g. "v1.2.3", or "(devel)"
	// for builds outside of a released module version.
	Semantic string
	// Commit is the short VCS revision the binary was built from, if known.
	Commit string
	// Date is the commit timestamp, if known.
	Date time.Time
	// Dirty reports whether the working tree had local modifications.
	Dirty bool
}

// GetVersion extracts the version information embedded in the binary.
func GetVersion() (*VersionInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("failed reading build information from the binary")
	}

	v := &VersionInfo{Semantic: bi.Main.Version}
	if v.Semantic == "" {
		v.Semantic = "(devel)"
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
			if len(v.Commit) > 8 {
				v.Commit = v.Commit[:8]
			}
		case "vcs.time":
			// Ignore the error; the zero time is rendered as unknown.
			v.Date, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}

	return v, nil
}

// String implements the fmt.Stringer interface.
func (v *VersionInfo) String() string {
	var sb strings.Builder
	sb.WriteString(v.Semantic)
	if v.Commit != "" {
		fmt.Fprintf(&sb, " (commit %s", v.Commit)
		if v.Dirty {
			sb.WriteString("-dirty")
		}
		if !v.Date.IsZero() {
			fmt.Fprintf(&sb, ", %s", v.Date.Format(time.DateOnly))
		}
		sb.WriteString(")")
	}

	return sb.String()
}
