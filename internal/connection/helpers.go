package connection

import (
	"strings"

	"github.com/trivago/nsxpcd/internal/bplist"
	"github.com/trivago/nsxpcd/internal/objcoder"
	"github.com/trivago/nsxpcd/internal/progress"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// signatureString renders a human-readable type signature for logging
// and for the wire's informational "signature" field — the decoder never
// parses it back, since DecodeInvocation receives the resolved ArgSpecs
// directly from the same iface.Registry the encoder consulted.
func signatureString(specs []objcoder.ArgSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.Kind.String()
	}
	return strings.Join(parts, ",")
}

// peekSelector reads just the selector and signature strings out of an
// invocation's root payload, the first of spec.md §4.5 step 5's two
// decode passes ("decode the selector and signature, locate the target
// object... verify allow-lists per argument"). The second pass,
// DecodeInvocation, needs the selector's resolved ArgSpecs before it can
// run, hence the split.
func peekSelector(root []byte) (selector, signature string, err error) {
	r, err := bplist.NewReader(root)
	if err != nil {
		return "", "", err
	}
	top, err := r.Root()
	if err != nil {
		return "", "", err
	}
	selVal, ok, err := top.LookupString("selector")
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", xpcerr.NewMalformedWireError("connection: invocation missing selector")
	}
	selector, err = selVal.String()
	if err != nil {
		return "", "", err
	}
	sigVal, ok, err := top.LookupString("signature")
	if err != nil {
		return "", "", err
	}
	if ok {
		signature, err = sigVal.String()
		if err != nil {
			return "", "", err
		}
	}
	return selector, signature, nil
}

// encodeProgressSnapshot writes a progress.Snapshot as a plain string-
// keyed dict — unlike invocation arguments, progress fields are fixed
// and never carry proxies or out-of-line objects, so the positional-
// null-keyed shape of objcoder.Invocation isn't needed here.
func encodeProgressSnapshot(s progress.Snapshot) ([]byte, error) {
	w := bplist.NewWriter()
	w.OpenDict()
	w.WriteString("completed")
	w.WriteInt(s.Completed)
	w.WriteString("total")
	w.WriteInt(s.Total)
	w.WriteString("cancellable")
	w.WriteBool(s.Cancellable)
	w.WriteString("pausable")
	w.WriteBool(s.Pausable)
	w.Close()
	return w.Finish()
}

func decodeProgressSnapshot(root []byte) (progress.Snapshot, error) {
	r, err := bplist.NewReader(root)
	if err != nil {
		return progress.Snapshot{}, err
	}
	top, err := r.Root()
	if err != nil {
		return progress.Snapshot{}, err
	}

	var s progress.Snapshot
	if v, ok, err := top.LookupString("completed"); err != nil {
		return s, err
	} else if ok {
		if s.Completed, err = v.Int(); err != nil {
			return s, err
		}
	}
	if v, ok, err := top.LookupString("total"); err != nil {
		return s, err
	} else if ok {
		if s.Total, err = v.Int(); err != nil {
			return s, err
		}
	}
	if v, ok, err := top.LookupString("cancellable"); err != nil {
		return s, err
	} else if ok {
		if s.Cancellable, err = v.Bool(); err != nil {
			return s, err
		}
	}
	if v, ok, err := top.LookupString("pausable"); err != nil {
		return s, err
	} else if ok {
		if s.Pausable, err = v.Bool(); err != nil {
			return s, err
		}
	}
	return s, nil
}
