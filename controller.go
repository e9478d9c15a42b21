package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// Control is an actionable surface element.
type Control string

const (
	ControlLoad      Control = "load"
	ControlSubmit    Control = "submit"
	ControlProbe     Control = "probe"
	ControlResources Control = "resources"
)

var allControls = []Control{ControlLoad, ControlSubmit, ControlProbe, ControlResources}

// Phase is where a control is in its idle -> busy -> success|error -> idle cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBusy
	PhaseSuccess
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseBusy:
		return "submitting"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	default:
		return "idle"
	}
}

// Command is a user event or a completed effect fed to the controller.
type Command interface{ command() }

type (
	// LoadSettings re-fetches the record, as on popup open. It is also how a
	// surface recovers after the relay was unavailable.
	LoadSettings struct{}
	// EditField stages a text field edit.
	EditField struct {
		Field string
		Value string
	}
	// ToggleFeature stages a toggle edit.
	ToggleFeature struct {
		Name string
		On   bool
	}
	SubmitSettings  struct{}
	ProbeConnection struct{}
	FetchResources  struct{}
	// SelectResource stages a resource picked from the fetched list.
	SelectResource struct{ ID string }

	settingsLoaded struct {
		settings Settings
		err      error
	}
	submitFinished struct {
		saveErr    error
		probed     bool
		descriptor ResourceDescriptor
		probeErr   error
	}
	probeFinished struct {
		descriptor ResourceDescriptor
		err        error
	}
	resourcesFetched struct {
		resources []ResourceSummary
		err       error
	}
	statusExpired struct {
		control Control
		seq     int
	}
)

func (LoadSettings) command()     {}
func (EditField) command()        {}
func (ToggleFeature) command()    {}
func (SubmitSettings) command()   {}
func (ProbeConnection) command()  {}
func (FetchResources) command()   {}
func (SelectResource) command()   {}
func (settingsLoaded) command()   {}
func (submitFinished) command()   {}
func (probeFinished) command()    {}
func (resourcesFetched) command() {}
func (statusExpired) command()    {}

// Effect is work Update asks the loop to run outside of it. It may return a follow-up command.
type Effect func(ctx context.Context) Command

// ControlView is the rendered state of one control.
type ControlView struct {
	Phase   Phase
	Enabled bool
	Message string
}

// View is a snapshot of everything a surface renders.
type View struct {
	Form           Settings
	Credential     FieldState
	ResourceID     FieldState
	Controls       map[Control]ControlView
	RelayAvailable bool
	Descriptor     *ResourceDescriptor
	Resources      []ResourceSummary
}

type controlState struct {
	phase   Phase
	message string
	seq     int
}

// Controller is the settings surface state machine. All state changes go through Update;
// Run is the single loop that serializes commands and runs effects.
type Controller struct {
	relay          Relay
	profile        Profile
	window         time.Duration
	probeAfterSave bool
	after          func(time.Duration) <-chan time.Time

	form       Settings
	controls   map[Control]*controlState
	relayDown  bool
	descriptor *ResourceDescriptor
	resources  []ResourceSummary

	inbox chan Command
	mu    sync.Mutex
	subs  map[chan View]struct{}
}

// NewController builds a controller for profile. Transient statuses clear after window.
func NewController(relay Relay, profile Profile, window time.Duration, probeAfterSave bool) *Controller {
	c := &Controller{
		relay:          relay,
		profile:        profile,
		window:         window,
		probeAfterSave: probeAfterSave,
		after:          time.After,
		form:           profile.Decode(nil),
		controls:       make(map[Control]*controlState, len(allControls)),
		inbox:          make(chan Command, 32),
		subs:           make(map[chan View]struct{}),
	}
	for _, ctl := range allControls {
		c.controls[ctl] = &controlState{}
	}
	return c
}

// Update applies one command and returns the effects it needs run.
func (c *Controller) Update(cmd Command) []Effect {
	switch cmd := cmd.(type) {
	case LoadSettings:
		if !c.begin(ControlLoad) {
			return nil
		}
		relay := c.relay
		return []Effect{func(ctx context.Context) Command {
			s, err := relay.GetSettings(ctx)
			return settingsLoaded{settings: s, err: err}
		}}

	case EditField:
		c.clearStatuses()
		switch cmd.Field {
		case KeyCredential:
			c.form.Credential = strings.TrimSpace(cmd.Value)
		case KeyResourceID:
			c.form.ResourceID = strings.TrimSpace(cmd.Value)
		case KeySelectedResource:
			c.form.SelectedResource = cmd.Value
		}
		return nil

	case ToggleFeature:
		c.clearStatuses()
		if _, ok := c.form.Toggles[cmd.Name]; ok {
			c.form.Toggles[cmd.Name] = cmd.On
		}
		return nil

	case SelectResource:
		c.clearStatuses()
		c.form.SelectedResource = cmd.ID
		if id, ok := NormalizeResourceID(cmd.ID); ok {
			c.form.ResourceID = id
		}
		return nil

	case SubmitSettings:
		if !c.enabled(ControlSubmit) || !c.begin(ControlSubmit) {
			return nil
		}
		relay, form, probe := c.relay, c.snapshotForm(), c.probeAfterSave
		return []Effect{func(ctx context.Context) Command {
			// The save completes before the probe is issued, so the probe never sees a stale credential.
			if err := relay.SaveSettings(ctx, form); err != nil {
				return submitFinished{saveErr: err}
			}
			if !probe {
				return submitFinished{}
			}
			d, err := relay.TestConnection(ctx, ProbeRequest{Credential: form.Credential, ResourceID: form.ResourceID})
			return submitFinished{probed: true, descriptor: d, probeErr: err}
		}}

	case ProbeConnection:
		if !c.enabled(ControlProbe) || !c.begin(ControlProbe) {
			return nil
		}
		relay, req := c.relay, ProbeRequest{Credential: c.form.Credential, ResourceID: c.form.ResourceID}
		return []Effect{func(ctx context.Context) Command {
			d, err := relay.TestConnection(ctx, req)
			return probeFinished{descriptor: d, err: err}
		}}

	case FetchResources:
		if !c.enabled(ControlResources) || !c.begin(ControlResources) {
			return nil
		}
		relay, credential := c.relay, c.form.Credential
		return []Effect{func(ctx context.Context) Command {
			rs, err := relay.ListResources(ctx, credential)
			return resourcesFetched{resources: rs, err: err}
		}}

	case settingsLoaded:
		if cmd.err != nil {
			return c.fail(ControlLoad, cmd.err)
		}
		c.relayDown = false
		c.form = c.profile.Decode(nil)
		c.form.Credential = cmd.settings.Credential
		c.form.ResourceID = cmd.settings.ResourceID
		c.form.SelectedResource = cmd.settings.SelectedResource
		for name, on := range cmd.settings.Toggles {
			if _, ok := c.form.Toggles[name]; ok {
				c.form.Toggles[name] = on
			}
		}
		return c.succeed(ControlLoad, "Settings loaded")

	case submitFinished:
		if cmd.saveErr != nil {
			return c.fail(ControlSubmit, cmd.saveErr)
		}
		if !cmd.probed {
			return c.succeed(ControlSubmit, "Settings saved")
		}
		if cmd.probeErr != nil {
			// The record stays saved; only the connection check failed.
			c.descriptor = nil
			return c.fail(ControlSubmit, cmd.probeErr)
		}
		d := cmd.descriptor
		c.descriptor = &d
		return c.succeed(ControlSubmit, "Settings saved. "+connectedMessage(d))

	case probeFinished:
		if cmd.err != nil {
			c.descriptor = nil
			return c.fail(ControlProbe, cmd.err)
		}
		d := cmd.descriptor
		c.descriptor = &d
		return c.succeed(ControlProbe, connectedMessage(d))

	case resourcesFetched:
		if cmd.err != nil {
			return c.fail(ControlResources, cmd.err)
		}
		c.resources = cmd.resources
		return c.succeed(ControlResources, fmt.Sprintf("Found %d databases", len(cmd.resources)))

	case statusExpired:
		st := c.controls[cmd.control]
		if st.seq == cmd.seq && (st.phase == PhaseSuccess || st.phase == PhaseError) {
			st.phase, st.message = PhaseIdle, ""
		}
		return nil
	}
	return nil
}

// begin moves a control to busy. A control already busy ignores the activation.
func (c *Controller) begin(ctl Control) bool {
	st := c.controls[ctl]
	if st.phase == PhaseBusy {
		return false
	}
	st.phase, st.message = PhaseBusy, ""
	st.seq++
	return true
}

func (c *Controller) succeed(ctl Control, msg string) []Effect {
	return c.settle(ctl, PhaseSuccess, msg)
}

func (c *Controller) fail(ctl Control, err error) []Effect {
	if errors.Is(err, ErrRelayUnavailable) {
		c.relayDown = true
	}
	return c.settle(ctl, PhaseError, err.Error())
}

// settle shows a transient status and schedules its expiry.
func (c *Controller) settle(ctl Control, phase Phase, msg string) []Effect {
	st := c.controls[ctl]
	st.phase, st.message = phase, msg
	st.seq++
	expired, after, window := statusExpired{control: ctl, seq: st.seq}, c.after, c.window
	return []Effect{func(ctx context.Context) Command {
		select {
		case <-after(window):
			return expired
		case <-ctx.Done():
			return nil
		}
	}}
}

// clearStatuses drops displayed success/error statuses before an edit is re-validated.
func (c *Controller) clearStatuses() {
	for _, st := range c.controls {
		if st.phase == PhaseSuccess || st.phase == PhaseError {
			st.phase, st.message = PhaseIdle, ""
			st.seq++
		}
	}
}

func (c *Controller) enabled(ctl Control) bool {
	if c.controls[ctl].phase == PhaseBusy {
		return false
	}
	if ctl == ControlLoad {
		return true
	}
	if c.relayDown {
		return false
	}
	credOK := ValidateCredential(c.profile.Service, c.form.Credential)
	if ctl == ControlResources {
		return credOK
	}
	return credOK && ValidateResourceID(c.form.ResourceID)
}

func (c *Controller) snapshotForm() Settings {
	s := c.form
	s.Toggles = maps.Clone(c.form.Toggles)
	return s
}

// View renders the current state. Only call it from the goroutine running Update.
func (c *Controller) View() View {
	v := View{
		Form:           c.snapshotForm(),
		Credential:     fieldState(c.form.Credential, func(s string) bool { return ValidateCredential(c.profile.Service, s) }),
		ResourceID:     fieldState(c.form.ResourceID, ValidateResourceID),
		Controls:       make(map[Control]ControlView, len(c.controls)),
		RelayAvailable: !c.relayDown,
		Resources:      append([]ResourceSummary(nil), c.resources...),
	}
	for ctl, st := range c.controls {
		v.Controls[ctl] = ControlView{Phase: st.phase, Enabled: c.enabled(ctl), Message: st.message}
	}
	if c.descriptor != nil {
		d := *c.descriptor
		v.Descriptor = &d
	}
	return v
}

// Send queues a command for Run.
func (c *Controller) Send(ctx context.Context, cmd Command) error {
	select {
	case c.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving a View after every processed command.
func (c *Controller) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 64)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

func (c *Controller) publish(v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Run processes commands one at a time until ctx ends. Effects run on their own goroutines
// and feed their results back through the inbox.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.inbox:
			effects := c.Update(cmd)
			c.publish(c.View())
			for _, eff := range effects {
				go func(eff Effect) {
					if next := eff(ctx); next != nil {
						select {
						case c.inbox <- next:
						case <-ctx.Done():
						}
					}
				}(eff)
			}
		}
	}
}

// Await sends cmd and blocks until a published View satisfies done.
func (c *Controller) Await(ctx context.Context, updates <-chan View, cmd Command, done func(View) bool) (View, error) {
	if err := c.Send(ctx, cmd); err != nil {
		return View{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return View{}, ctx.Err()
		case v := <-updates:
			if done(v) {
				return v, nil
			}
		}
	}
}

func connectedMessage(d ResourceDescriptor) string {
	msg := fmt.Sprintf("Connected to %q: %s", d.Title, d.PropertySummary)
	if len(d.Warnings) > 0 {
		msg += " (warning: " + strings.Join(d.Warnings, "; ") + ")"
	}
	return msg
}
