package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/delivery"
	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/pager"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

// Events live in the events table. Each event is one cell: the row is the
// assignment key followed by the complemented high five bytes of the event
// time, the qualifier is the complemented low three bytes, the event tag and
// the payload indicator. Forward scans therefore visit newer events first.

// AddMeasurements appends a measurements event.
func (s *Store) AddMeasurements(ctx context.Context, assignmentToken string, req *types.MeasurementsCreateRequest) (*types.Measurements, error) {
	if len(req.Measurements) == 0 {
		return nil, dserrors.NewValidationError(dserrors.CodeInvalidRequest, "at least one measurement is required")
	}
	ev := &types.Measurements{Measurements: req.Measurements}
	if _, _, err := s.appendEvent(ctx, assignmentToken, ev, req.EventCreateRequest); err != nil {
		return nil, err
	}
	return ev, nil
}

// AddLocation appends a location event.
func (s *Store) AddLocation(ctx context.Context, assignmentToken string, req *types.LocationCreateRequest) (*types.Location, error) {
	ev := &types.Location{Latitude: req.Latitude, Longitude: req.Longitude, Elevation: req.Elevation}
	if _, _, err := s.appendEvent(ctx, assignmentToken, ev, req.EventCreateRequest); err != nil {
		return nil, err
	}
	return ev, nil
}

// AddAlert appends an alert event. Source defaults to Device and level to Info.
func (s *Store) AddAlert(ctx context.Context, assignmentToken string, req *types.AlertCreateRequest) (*types.Alert, error) {
	if err := requireField("alert type", req.AlertType); err != nil {
		return nil, err
	}
	ev := &types.Alert{Source: req.Source, Level: req.Level, AlertType: req.AlertType, Message: req.Message}
	if ev.Source == "" {
		ev.Source = types.AlertFromDevice
	}
	if ev.Level == "" {
		ev.Level = types.AlertInfo
	}
	if _, _, err := s.appendEvent(ctx, assignmentToken, ev, req.EventCreateRequest); err != nil {
		return nil, err
	}
	return ev, nil
}

// AddCommandInvocation appends an invocation and, when a deliverer is
// configured, sends it to the device. Delivery failures are logged only.
func (s *Store) AddCommandInvocation(ctx context.Context, assignmentToken string, req *types.CommandInvocationCreateRequest) (*types.CommandInvocation, error) {
	if err := requireField("command token", req.CommandToken); err != nil {
		return nil, err
	}
	_, cmd, err := s.requireCommand(ctx, req.CommandToken)
	if err != nil {
		return nil, err
	}

	ev := &types.CommandInvocation{
		Initiator:       req.Initiator,
		InitiatorID:     req.InitiatorID,
		Target:          req.Target,
		TargetID:        req.TargetID,
		CommandToken:    req.CommandToken,
		ParameterValues: req.ParameterValues,
		Status:          req.Status,
	}
	if ev.Status == "" {
		ev.Status = types.CommandPending
	}
	a, _, err := s.appendEvent(ctx, assignmentToken, ev, req.EventCreateRequest)
	if err != nil {
		return nil, err
	}

	if s.deliverer != nil {
		if err := s.deliver(ctx, a, cmd, ev); err != nil {
			s.logger.Warn("command delivery failed",
				zap.String("assignment", assignmentToken),
				zap.String("invocation", ev.ID),
				zap.Error(err))
		}
	}
	return ev, nil
}

func (s *Store) deliver(ctx context.Context, a *types.DeviceAssignment, cmd *types.DeviceCommand, inv *types.CommandInvocation) error {
	device, err := s.GetDevice(ctx, a.DeviceHardwareID, true)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("device %q not found", a.DeviceHardwareID)
	}
	var spec *types.DeviceSpecification
	if device.SpecificationToken != "" {
		if spec, err = s.GetSpecification(ctx, device.SpecificationToken, true); err != nil {
			return err
		}
	}
	return s.deliverer.Deliver(ctx, &delivery.Request{
		Device:        device,
		Assignment:    a,
		Specification: spec,
		Command:       cmd,
		Invocation:    inv,
	})
}

// AddCommandResponse appends a response. When OriginatingEventID names an
// invocation, the invocation's response counter is incremented and a link
// column pointing at the response is written to the invocation's row. The
// response, counter and link are separate writes; a failure between them
// leaves a response its invocation does not list.
func (s *Store) AddCommandResponse(ctx context.Context, assignmentToken string, req *types.CommandResponseCreateRequest) (*types.CommandResponse, error) {
	var invRow, invQualifier []byte
	if req.OriginatingEventID != "" {
		var err error
		if invRow, invQualifier, err = parseInvocationID(req.OriginatingEventID); err != nil {
			return nil, err
		}
	}

	ev := &types.CommandResponse{
		OriginatingEventID: req.OriginatingEventID,
		ResponseEventID:    req.ResponseEventID,
		Response:           req.Response,
	}
	if _, _, err := s.appendEvent(ctx, assignmentToken, ev, req.EventCreateRequest); err != nil {
		return nil, err
	}

	if invRow != nil {
		if err := s.linkResponse(ctx, invRow, invQualifier, ev.ID); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func parseInvocationID(id string) ([]byte, []byte, error) {
	row, q, err := keys.ParseEventID(id)
	if err != nil {
		return nil, nil, err
	}
	if !keys.IsEventQualifier(q) || types.EventType(keys.EventTag(q)) != types.EventCommandInvocation {
		return nil, nil, dserrors.NewCodecError(dserrors.CodeMalformedEventID,
			fmt.Sprintf("event %q is not a command invocation", id), nil)
	}
	return row, q, nil
}

func (s *Store) linkResponse(ctx context.Context, invRow, invQualifier []byte, responseID string) error {
	t, err := s.acquire(ctx, keys.TableEvents)
	if err != nil {
		return err
	}
	defer t.Close()

	n, err := t.Increment(ctx, invRow, keys.ResponseCounterQualifier(invQualifier), 1)
	if err != nil {
		return incrementFailed("response counter", err)
	}
	link := wide.Cell{Qualifier: keys.ResponseLinkQualifier(invQualifier, uint32(n)), Value: []byte(responseID)}
	if err := t.Put(ctx, invRow, link); err != nil {
		return writeFailed("response link", err)
	}
	return nil
}

// AddStateChange appends a state change event.
func (s *Store) AddStateChange(ctx context.Context, assignmentToken string, req *types.StateChangeCreateRequest) (*types.StateChange, error) {
	if err := requireField("state change category", req.Category); err != nil {
		return nil, err
	}
	ev := &types.StateChange{
		Category:      req.Category,
		ChangeType:    req.ChangeType,
		PreviousState: req.PreviousState,
		NewState:      req.NewState,
		Data:          req.Data,
	}
	if _, _, err := s.appendEvent(ctx, assignmentToken, ev, req.EventCreateRequest); err != nil {
		return nil, err
	}
	return ev, nil
}

// appendEvent fills in the common event fields, encodes the event and queues
// its cell. It returns the assignment the event was recorded against and the
// event's row key.
func (s *Store) appendEvent(ctx context.Context, assignmentToken string, ev types.Event, req types.EventCreateRequest) (*types.DeviceAssignment, []byte, error) {
	akey, err := s.ids.Assignments().Require(ctx, assignmentToken)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.GetAssignment(ctx, assignmentToken, true)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidAssignmentToken,
			fmt.Sprintf("assignment %q has no record", assignmentToken))
	}

	now := s.now()
	date := req.EventDate
	if date.IsZero() {
		date = now
	}
	date = date.UTC().Truncate(time.Millisecond)

	base := ev.Base()
	base.EventType = ev.Type()
	base.SiteToken = a.SiteToken
	base.AssignmentToken = assignmentToken
	base.EventDate = date
	base.ReceivedDate = now
	base.Metadata = types.MergeMetadata(nil, req.Metadata)

	millis := date.UnixMilli()
	row, err := keys.EventRow(akey, millis)
	if err != nil {
		return nil, nil, err
	}
	indicator, data, err := s.codec.Encode(ev)
	if err != nil {
		return nil, nil, err
	}
	q, err := keys.EventQualifier(millis, byte(ev.Type()), indicator)
	if err != nil {
		return nil, nil, err
	}
	base.ID = keys.EventID(row, q)

	if err := s.writeEvent(ctx, row, q, data); err != nil {
		return nil, nil, err
	}

	if s.updateState || req.UpdateState {
		if err := s.applyState(ctx, assignmentToken, akey, ev); err != nil {
			s.logger.Warn("assignment state update failed",
				zap.String("assignment", assignmentToken), zap.Error(err))
		}
	}
	return a, row, nil
}

func (s *Store) writeEvent(ctx context.Context, row, qualifier, data []byte) error {
	if s.buffer != nil {
		return s.buffer.Add(ctx, wide.PutMutation(keys.TableEvents, row, qualifier, data))
	}

	t, err := s.acquire(ctx, keys.TableEvents)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Put(ctx, row, wide.Cell{Qualifier: qualifier, Value: data}); err != nil {
		return writeFailed("event", err)
	}
	return nil
}

// applyState folds an event into the assignment's state snapshot. The read
// and write are not atomic; concurrent appends may lose an update.
func (s *Store) applyState(ctx context.Context, token string, akey []byte, ev types.Event) error {
	r, err := s.readRow(ctx, keys.TableSites, akey)
	if err != nil {
		return err
	}
	a, err := s.decodeAssignment(r, true)
	if err != nil || a == nil {
		return err
	}

	state := a.State
	if state == nil {
		state = &types.DeviceAssignmentState{}
	}
	date := ev.Base().EventDate
	if state.LastInteractionDate == nil || date.After(*state.LastInteractionDate) {
		d := date
		state.LastInteractionDate = &d
	}

	switch e := ev.(type) {
	case *types.Measurements:
		if state.LatestMeasurements == nil {
			state.LatestMeasurements = make(map[string]types.MeasurementValue)
		}
		for name, v := range e.Measurements {
			if cur, ok := state.LatestMeasurements[name]; !ok || !cur.EventDate.After(date) {
				state.LatestMeasurements[name] = types.MeasurementValue{Value: v, EventDate: date}
			}
		}
	case *types.Location:
		if state.LastLocation == nil || !state.LastLocation.EventDate.After(date) {
			loc := *e
			state.LastLocation = &loc
		}
	case *types.Alert:
		if state.LatestAlerts == nil {
			state.LatestAlerts = make(map[string]*types.Alert)
		}
		if cur, ok := state.LatestAlerts[e.AlertType]; !ok || !cur.EventDate.After(date) {
			alert := *e
			state.LatestAlerts[e.AlertType] = &alert
		}
	}

	return s.writeState(ctx, token, akey, state)
}

// GetEvent returns the event with the given ID, or nil when no such cell
// exists. Events still queued in the write buffer are not visible.
func (s *Store) GetEvent(ctx context.Context, id string) (types.Event, error) {
	row, q, err := keys.ParseEventID(id)
	if err != nil {
		return nil, err
	}
	if !keys.IsEventQualifier(q) {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedEventID,
			fmt.Sprintf("event id %q does not address an event", id), nil)
	}

	t, err := s.acquire(ctx, keys.TableEvents)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	data, err := t.GetCell(ctx, row, q)
	if err != nil {
		return nil, readFailed("event", err)
	}
	if data == nil {
		return nil, nil
	}
	return s.decodeEvent(row, q, data)
}

func (s *Store) decodeEvent(row, q, data []byte) (types.Event, error) {
	ev, err := types.NewEvent(types.EventType(keys.EventTag(q)))
	if err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "unknown event tag", err)
	}
	if err := s.codec.Decode(q[4], data, ev); err != nil {
		return nil, err
	}
	base := ev.Base()
	base.ID = keys.EventID(row, q)
	base.EventType = ev.Type()
	return ev, nil
}

// eventRef is a matching event cell not yet decoded.
type eventRef struct {
	millis int64
	row    []byte
	q      []byte
	data   []byte
}

// ListForAssignment pages the events of one assignment, newest first. A zero
// kind matches every event kind; nil dates leave the range open.
func (s *Store) ListForAssignment(ctx context.Context, assignmentToken string, kind types.EventType, criteria types.DateRangeSearchCriteria) (*types.SearchResults[types.Event], error) {
	akey, err := s.ids.Assignments().Require(ctx, assignmentToken)
	if err != nil {
		return nil, err
	}
	startMillis, endMillis := rangeMillis(criteria)
	start, err := keys.EventRangeStart(akey, endMillis)
	if err != nil {
		return nil, err
	}
	stop, err := keys.EventRangeStop(akey, startMillis)
	if err != nil {
		return nil, err
	}
	return s.listEvents(ctx, start, stop, kind, criteria)
}

// ListForSite pages the events of every assignment of a site, newest first.
// It scans all of the site's event rows.
func (s *Store) ListForSite(ctx context.Context, siteToken string, kind types.EventType, criteria types.DateRangeSearchCriteria) (*types.SearchResults[types.Event], error) {
	siteID, err := s.ids.Sites().Require(ctx, siteToken)
	if err != nil {
		return nil, err
	}
	return s.listEvents(ctx, keys.Subkey(siteID, keys.AssignmentRecord), keys.SubkeyEnd(siteID, keys.AssignmentRecord), kind, criteria)
}

func rangeMillis(c types.DateRangeSearchCriteria) (start, end *int64) {
	if c.StartDate != nil {
		m := c.StartDate.UnixMilli()
		start = &m
	}
	if c.EndDate != nil {
		m := c.EndDate.UnixMilli()
		end = &m
	}
	return start, end
}

func (s *Store) listEvents(ctx context.Context, start, stop []byte, kind types.EventType, criteria types.DateRangeSearchCriteria) (*types.SearchResults[types.Event], error) {
	startMillis, endMillis := rangeMillis(criteria)

	t, err := s.acquire(ctx, keys.TableEvents)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	var refs []eventRef
	err = t.Scan(ctx, start, stop, func(r *wide.Row) error {
		if len(r.Key) != keys.EventRowLen {
			return nil
		}
		for _, c := range r.Cells {
			if !keys.IsEventQualifier(c.Qualifier) {
				continue
			}
			if kind != 0 && types.EventType(keys.EventTag(c.Qualifier)) != kind {
				continue
			}
			millis := keys.EventMillis(r.Key, c.Qualifier)
			if startMillis != nil && millis < *startMillis {
				continue
			}
			if endMillis != nil && millis > *endMillis {
				continue
			}
			refs = append(refs, eventRef{millis: millis, row: r.Key, q: c.Qualifier, data: c.Value})
		}
		return nil
	})
	if err != nil {
		return nil, readFailed("events", err)
	}

	// Buckets of different assignments interleave in a site scan.
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].millis != refs[j].millis {
			return refs[i].millis > refs[j].millis
		}
		return bytes.Compare(refs[i].row, refs[j].row) < 0
	})

	p := pager.New[eventRef](criteria.SearchCriteria)
	for _, ref := range refs {
		p.Process(ref)
	}

	page := p.Results()
	out := &types.SearchResults[types.Event]{NumResults: p.Total(), Results: make([]types.Event, 0, len(page))}
	for _, ref := range page {
		ev, err := s.decodeEvent(ref.row, ref.q, ref.data)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, ev)
	}
	return out, nil
}

// ListResponses pages the responses linked to an invocation in arrival
// order. Links whose response is not readable yet are skipped.
func (s *Store) ListResponses(ctx context.Context, invocationID string, criteria types.SearchCriteria) (*types.SearchResults[*types.CommandResponse], error) {
	row, q, err := parseInvocationID(invocationID)
	if err != nil {
		return nil, err
	}

	r, err := s.readRow(ctx, keys.TableEvents, row)
	if err != nil {
		return nil, err
	}

	prefix := keys.ResponseLinkPrefix(q)
	var links []wide.Cell
	if r != nil {
		for _, c := range r.Cells {
			if len(c.Qualifier) == len(prefix)+4 && bytes.HasPrefix(c.Qualifier, prefix) {
				links = append(links, c)
			}
		}
	}
	sort.Slice(links, func(i, j int) bool {
		return bytes.Compare(links[i].Qualifier, links[j].Qualifier) < 0
	})

	p := pager.New[*types.CommandResponse](criteria)
	for _, link := range links {
		ev, err := s.GetEvent(ctx, string(link.Value))
		if err != nil {
			return nil, err
		}
		if resp, ok := ev.(*types.CommandResponse); ok {
			p.Process(resp)
		}
	}
	return p.SearchResults(), nil
}

// ResponseCount returns the number of responses ever linked to an invocation.
func (s *Store) ResponseCount(ctx context.Context, invocationID string) (int64, error) {
	row, q, err := parseInvocationID(invocationID)
	if err != nil {
		return 0, err
	}

	t, err := s.acquire(ctx, keys.TableEvents)
	if err != nil {
		return 0, err
	}
	defer t.Close()

	v, err := t.GetCell(ctx, row, keys.ResponseCounterQualifier(q))
	if err != nil {
		return 0, readFailed("response counter", err)
	}
	if v == nil {
		return 0, nil
	}
	n, err := wide.DecodeCounter(v)
	if err != nil {
		return 0, readFailed("response counter", err)
	}
	return n, nil
}
