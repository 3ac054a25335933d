// Package preflight checks a run's external destinations before any job
// starts, so a misconfigured sink fails the run up front instead of
// surfacing as one error per artifact.
package preflight

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModeSkip       Mode = "skip"
	ModeWriteProbe Mode = "write-probe"
)

// DefaultProbeKey is overwritten by every write probe.
const DefaultProbeKey = "_slotbatch/preflight"

// Capability names are stable strings used in logs and error records.
const (
	CapSinkWrite = "sink.write"
	CapSinkHead  = "sink.head"
)

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode     Mode
	ProbeKey string
}

// Check is the outcome of one capability probe.
type Check struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects the checks of one preflight pass.
type Report struct {
	Mode     Mode    `json:"mode"`
	ProbeKey string  `json:"probe_key,omitempty"`
	Checks   []Check `json:"checks"`
}

// Denied returns the checks that failed.
func (r *Report) Denied() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Allowed {
			out = append(out, c)
		}
	}
	return out
}

// Sink writes a small probe object and reads its metadata back. The
// returned error is the first failed probe; the report is always non-nil.
func Sink(ctx context.Context, sink provider.Sink, spec Spec) (*Report, error) {
	if spec.Mode == "" {
		spec.Mode = ModeWriteProbe
	}
	if spec.ProbeKey == "" {
		spec.ProbeKey = DefaultProbeKey
	}
	rep := &Report{Mode: spec.Mode, ProbeKey: spec.ProbeKey, Checks: []Check{}}
	if spec.Mode == ModeSkip || sink == nil {
		return rep, nil
	}

	body := []byte("slotbatch preflight " + uuid.New().String() + "\n")
	method := fmt.Sprintf("PutObject(%s)", sink.Location(spec.ProbeKey))
	if err := sink.PutObject(ctx, spec.ProbeKey, bytes.NewReader(body), int64(len(body))); err != nil {
		rep.Checks = append(rep.Checks, denied(CapSinkWrite, method, err))
		return rep, fmt.Errorf("%s: %w", CapSinkWrite, err)
	}
	rep.Checks = append(rep.Checks, Check{Capability: CapSinkWrite, Allowed: true, Method: method})

	method = fmt.Sprintf("Head(%s)", sink.Location(spec.ProbeKey))
	meta, err := sink.Head(ctx, spec.ProbeKey)
	if err == nil && meta.Size != int64(len(body)) {
		err = fmt.Errorf("%w: probe has %d bytes, sent %d", provider.ErrSizeMismatch, meta.Size, len(body))
	}
	if err != nil {
		rep.Checks = append(rep.Checks, denied(CapSinkHead, method, err))
		return rep, fmt.Errorf("%s: %w", CapSinkHead, err)
	}
	rep.Checks = append(rep.Checks, Check{Capability: CapSinkHead, Allowed: true, Method: method})
	return rep, nil
}

func denied(capability, method string, err error) Check {
	return Check{
		Capability: capability,
		Allowed:    false,
		Method:     method,
		ErrorCode:  ErrorCode(err),
		Detail:     err.Error(),
	}
}

// ErrorCode maps a sink error onto an output error code.
func ErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return output.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	default:
		return output.ErrCodeInternal
	}
}
