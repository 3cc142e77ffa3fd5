package compute

import (
	"context"
	"errors"
	"time"

	"github.com/imamik/tenantplane/internal/metrics"
)

// Instrument wraps p so every call is counted and timed.
func Instrument(p Provider) Provider {
	return &instrumented{next: p}
}

type instrumented struct {
	next Provider
}

func record(op string, start time.Time, err error) {
	metrics.RecordProviderCall(op, resultLabel(err), time.Since(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOutcomeUnknown):
		return "unknown"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (i *instrumented) CreateApp(ctx context.Context, spec AppSpec) (res Result, err error) {
	defer func(start time.Time) { record("create_app", start, err) }(time.Now())
	return i.next.CreateApp(ctx, spec)
}

func (i *instrumented) CreateVolume(ctx context.Context, spec VolumeSpec) (res Result, err error) {
	defer func(start time.Time) { record("create_volume", start, err) }(time.Now())
	return i.next.CreateVolume(ctx, spec)
}

func (i *instrumented) AllocateIP(ctx context.Context, spec IPSpec) (res IPResult, err error) {
	defer func(start time.Time) { record("allocate_ip", start, err) }(time.Now())
	return i.next.AllocateIP(ctx, spec)
}

func (i *instrumented) AddCertificate(ctx context.Context, spec CertificateSpec) (res Result, err error) {
	defer func(start time.Time) { record("add_certificate", start, err) }(time.Now())
	return i.next.AddCertificate(ctx, spec)
}

func (i *instrumented) CreateMachine(ctx context.Context, spec MachineSpec) (res Result, err error) {
	defer func(start time.Time) { record("create_machine", start, err) }(time.Now())
	return i.next.CreateMachine(ctx, spec)
}

func (i *instrumented) UpdateMachineImage(ctx context.Context, app, machineID, image string) (err error) {
	defer func(start time.Time) { record("update_machine_image", start, err) }(time.Now())
	return i.next.UpdateMachineImage(ctx, app, machineID, image)
}

func (i *instrumented) GetMachineStatus(ctx context.Context, app, machine string) (st MachineStatus, err error) {
	defer func(start time.Time) { record("get_machine_status", start, err) }(time.Now())
	return i.next.GetMachineStatus(ctx, app, machine)
}

func (i *instrumented) SetMachineSecrets(ctx context.Context, app string, env map[string]string) (err error) {
	defer func(start time.Time) { record("set_machine_secrets", start, err) }(time.Now())
	return i.next.SetMachineSecrets(ctx, app, env)
}

func (i *instrumented) RestartMachine(ctx context.Context, app, machineID string) (err error) {
	defer func(start time.Time) { record("restart_machine", start, err) }(time.Now())
	return i.next.RestartMachine(ctx, app, machineID)
}

func (i *instrumented) DestroyApp(ctx context.Context, res AppResources) (err error) {
	defer func(start time.Time) { record("destroy_app", start, err) }(time.Now())
	return i.next.DestroyApp(ctx, res)
}
