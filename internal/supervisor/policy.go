package supervisor

import (
	"runtime"
	"syscall"

	"github.com/glasspane/viewhost/internal/proc"
)

// ExitPolicy decides which worker exit statuses mean "the user or OS
// deliberately killed it". The signal set is platform lore, not protocol,
// so it is a configurable table rather than hard-coded numbers.
type ExitPolicy struct {
	// ExternalSignals are terminating signals attributed to a source
	// outside the supervisor.
	ExternalSignals []syscall.Signal

	// TreatExitOneAsKill covers platforms without signal reporting,
	// where a forced termination surfaces as exit code 1.
	TreatExitOneAsKill bool
}

// DefaultExitPolicy returns the stock policy: interrupt/kill/stop/terminate
// on POSIX, exit code 1 on Windows.
func DefaultExitPolicy() ExitPolicy {
	return ExitPolicy{
		ExternalSignals: []syscall.Signal{
			syscall.SIGINT,
			syscall.SIGKILL,
			syscall.SIGSTOP,
			syscall.SIGTERM,
		},
		TreatExitOneAsKill: runtime.GOOS == "windows",
	}
}

// ExternallyKilled reports whether the status matches the policy.
func (p ExitPolicy) ExternallyKilled(st proc.Status) bool {
	if st.Signaled {
		for _, sig := range p.ExternalSignals {
			if st.Signal == sig {
				return true
			}
		}
		return false
	}
	return p.TreatExitOneAsKill && st.Code == 1
}
