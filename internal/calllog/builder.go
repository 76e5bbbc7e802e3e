// Package calllog reduces ordered channel event streams into call records.
//
// One call is identified by a correlation id (linked id). The builder walks
// the events of a single correlation id in order, accumulates call
// attributes and emits one finalized, immutable call record. Direction is a
// property of the whole event set, never of a single event.
package calllog

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/callreportd/callreportd/internal/database/models"
	"github.com/callreportd/callreportd/internal/trunks"
	"github.com/google/uuid"
)

// Builder reduces event streams into call records. It holds no per-call
// state; one Builder is safe to share across worker goroutines.
type Builder struct {
	trunks *trunks.Table
	logger *slog.Logger
}

// NewBuilder creates a Builder using the given trunk enrichment table.
func NewBuilder(table *trunks.Table, logger *slog.Logger) *Builder {
	if table == nil {
		table = trunks.Empty()
	}
	return &Builder{
		trunks: table,
		logger: logger.With("component", "calllog"),
	}
}

// identity is a party identity as observed on one channel. The plain
// name/exten/context fields hold the externally visible identity; the
// internal* fields hold the identity resolved inside the dialplan.
type identity struct {
	name            string
	exten           string
	context         string
	internalName    string
	internalExten   string
	internalContext string
	lineIdentity    string
}

// accumulator is the mutable per-correlation-id state built up during one
// reduction. It never outlives the Reduce call that created it.
type accumulator struct {
	correlationID  string
	conversationID string
	tenantUUID     string

	date       *time.Time
	dateAnswer *time.Time
	dateEnd    *time.Time

	source    *identity
	requested *identity

	// fixedDestination is set once by an authoritative event (a bridge
	// enter on the answering channel) and never replaced afterwards;
	// tentativeDestination tracks the latest non-authoritative candidate.
	fixedDestination     *identity
	tentativeDestination *identity

	destinationDetails map[string]string

	eventTypes map[string]bool

	// trunkHint is an explicit trunk name from a DID or trunk marker
	// event; trunkChannel is the channel name of that event, used as the
	// parse fallback when no explicit name was given.
	trunkHint    string
	trunkChannel string

	firstChannelID string
	participants   []*models.Participant
	byChannel      map[string]*models.Participant

	forwards   []models.Forward
	transfers  []models.Transfer
	ivrChoices []models.IVRChoice
	blocked    bool
	eventIDs   []int64
}

// Reduce builds one call record from the events of a single correlation id.
// Events are processed in timestamp order (ties broken by sequence id). It
// returns a *BuildError when the minimum required fields were never
// observed; every other missing field is tolerated.
func (b *Builder) Reduce(events []models.Event) (*models.CallRecord, error) {
	if len(events) == 0 {
		return nil, &BuildError{Reason: ErrMissingDate}
	}

	ordered := make([]models.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Time.Equal(ordered[j].Time) {
			return ordered[i].Time.Before(ordered[j].Time)
		}
		return ordered[i].ID < ordered[j].ID
	})

	acc := &accumulator{
		correlationID:      ordered[0].CorrelationID,
		destinationDetails: map[string]string{},
		eventTypes:         map[string]bool{},
		byChannel:          map[string]*models.Participant{},
	}

	for i := range ordered {
		b.apply(acc, &ordered[i])
	}

	return b.finalize(acc)
}

// apply dispatches one event to its accumulator update.
func (b *Builder) apply(acc *accumulator, ev *models.Event) {
	acc.eventTypes[ev.Type] = true
	acc.eventIDs = append(acc.eventIDs, ev.ID)

	if acc.firstChannelID == "" && ev.ChannelID != "" {
		acc.firstChannelID = ev.ChannelID
	}
	// The start date is the time of the earliest event, whatever its type:
	// partial streams without a channel-start marker still produce a record.
	if acc.date == nil {
		t := ev.Time
		acc.date = &t
	}
	// The caller channel's first caller id is the call source.
	if acc.source == nil && ev.ChannelID == acc.firstChannelID &&
		(ev.CallerIDName != "" || ev.CallerIDNum != "") {
		acc.source = &identity{
			name:         ev.CallerIDName,
			exten:        ev.CallerIDNum,
			lineIdentity: lineLabel(ev.ChannelName),
		}
	}
	if acc.conversationID == "" {
		if cid := ev.Extra["conversation_id"]; cid != "" {
			acc.conversationID = cid
		}
	}
	if tenant := ev.Extra["tenant_uuid"]; tenant != "" {
		b.setTenant(acc, tenant)
	}
	if ev.Extra["blocked"] == "true" {
		acc.blocked = true
	}
	b.trackParticipant(acc, ev)
	b.collectDestinationDetails(acc, ev)

	switch ev.Type {
	case models.EventChanStart:
		b.applyChanStart(acc, ev)
	case models.EventAnswer:
		b.applyAnswer(acc, ev)
	case models.EventBridgeEnter:
		b.applyBridgeEnter(acc, ev)
	case models.EventAppStart:
		b.applyAppStart(acc, ev)
	case models.EventDID:
		b.applyDID(acc, ev)
	case models.EventIncall, models.EventOutcall:
		b.applyTrunkMarker(acc, ev)
	case models.EventForward:
		b.applyForward(acc, ev)
	case models.EventBlindTransfer:
		b.applyTransfer(acc, ev, "blind")
	case models.EventAttendedTransfer:
		b.applyTransfer(acc, ev, "attended")
	case models.EventIVRChoice:
		b.applyIVRChoice(acc, ev)
	case models.EventHangup, models.EventChanEnd, models.EventLinkedIDEnd:
		b.applyEnd(acc, ev)
	}
}

func (b *Builder) applyChanStart(acc *accumulator, ev *models.Event) {
	if ev.ChannelID == acc.firstChannelID {
		if acc.requested == nil && ev.Exten != "" && ev.Exten != "s" {
			acc.requested = &identity{
				exten:   ev.Exten,
				context: ev.Context,
			}
		}
		return
	}

	// A callee channel ringing: a destination candidate unless the
	// destination identity was already fixed.
	acc.updateDestination(&identity{
		name:         ev.CallerIDName,
		exten:        ev.CallerIDNum,
		lineIdentity: lineLabel(ev.ChannelName),
	}, false)
}

func (b *Builder) applyAnswer(acc *accumulator, ev *models.Event) {
	if acc.dateAnswer == nil {
		t := ev.Time
		acc.dateAnswer = &t
	}
	if p := acc.byChannel[ev.ChannelID]; p != nil {
		p.Answered = true
	}
	if ev.ChannelID != acc.firstChannelID {
		acc.updateDestination(&identity{
			name:         ev.CallerIDName,
			exten:        ev.CallerIDNum,
			lineIdentity: lineLabel(ev.ChannelName),
		}, false)
	}
}

func (b *Builder) applyBridgeEnter(acc *accumulator, ev *models.Event) {
	if ev.ChannelID == acc.firstChannelID {
		// The caller entering the bridge carries its dialplan-resolved
		// identity; the first caller id seen on the channel stays the
		// external one.
		if acc.source != nil {
			if acc.source.internalName == "" {
				acc.source.internalName = ev.CallerIDName
			}
			if acc.source.internalExten == "" {
				acc.source.internalExten = ev.Exten
			}
			if acc.source.internalContext == "" {
				acc.source.internalContext = ev.Context
			}
		}
		return
	}
	// The channel that joins the caller's bridge is the authoritative
	// destination; later events must not downgrade it.
	acc.updateDestination(&identity{
		name:            ev.CallerIDName,
		exten:           ev.CallerIDNum,
		internalExten:   ev.Exten,
		internalContext: ev.Context,
		lineIdentity:    lineLabel(ev.ChannelName),
	}, true)
}

func (b *Builder) applyAppStart(acc *accumulator, ev *models.Event) {
	if name := ev.Extra["requested_name"]; name != "" && acc.requested != nil {
		acc.requested.name = name
	}
	if exten := ev.Extra["requested_internal_exten"]; exten != "" && acc.requested != nil {
		acc.requested.internalExten = exten
		acc.requested.internalContext = ev.Extra["requested_internal_context"]
	}
	if ev.ChannelID != acc.firstChannelID {
		acc.updateDestination(&identity{
			name:  ev.CallerIDName,
			exten: ev.CallerIDNum,
		}, false)
	}
}

func (b *Builder) applyDID(acc *accumulator, ev *models.Event) {
	if acc.requested == nil {
		acc.requested = &identity{}
	}
	if ev.Exten != "" {
		acc.requested.exten = ev.Exten
	}
	if ev.Context != "" {
		acc.requested.context = ev.Context
	}
	b.captureTrunk(acc, ev)
}

func (b *Builder) applyTrunkMarker(acc *accumulator, ev *models.Event) {
	b.captureTrunk(acc, ev)
}

// captureTrunk prefers an explicit trunk name carried by the event; the
// event's channel name is kept as a parse fallback.
func (b *Builder) captureTrunk(acc *accumulator, ev *models.Event) {
	if name := ev.Extra["trunk"]; name != "" && acc.trunkHint == "" {
		acc.trunkHint = name
	}
	if acc.trunkChannel == "" && ev.ChannelName != "" {
		acc.trunkChannel = ev.ChannelName
	}
}

func (b *Builder) applyForward(acc *accumulator, ev *models.Event) {
	acc.forwards = append(acc.forwards, models.Forward{
		EventID:     ev.ID,
		Time:        ev.Time,
		Num:         ev.Extra["num"],
		Context:     ev.Extra["context"],
		Name:        ev.Extra["name"],
		ChannelName: ev.ChannelName,
	})
}

func (b *Builder) applyTransfer(acc *accumulator, ev *models.Event, transferType string) {
	extra := ev.Extra
	acc.transfers = append(acc.transfers, models.Transfer{
		EventID:            ev.ID,
		Time:               ev.Time,
		Type:               transferType,
		TargetExten:        extra["target_exten"],
		Context:            extra["context"],
		TransfereeChannel:  extra["transferee_channel_name"],
		TransfereeUniqueID: extra["transferee_channel_uniqueid"],
		SecondChannel:      extra["channel2_name"],
		SecondUniqueID:     extra["channel2_uniqueid"],
		TargetChannel:      extra["transfer_target_channel_name"],
		TargetUniqueID:     extra["transfer_target_channel_uniqueid"],
		Bridge1ID:          extra["bridge1_id"],
		Bridge2ID:          extra["bridge2_id"],
		TransfereeLine:     lineLabel(extra["transferee_channel_name"]),
		TargetLine:         lineLabel(extra["transfer_target_channel_name"]),
		SecondLine:         lineLabel(extra["channel2_name"]),
	})
}

func (b *Builder) applyIVRChoice(acc *accumulator, ev *models.Event) {
	acc.ivrChoices = append(acc.ivrChoices, models.IVRChoice{
		EventID:     ev.ID,
		Exten:       ev.Exten,
		Context:     ev.Context,
		ChannelName: ev.ChannelName,
		Time:        ev.Time,
	})
}

func (b *Builder) applyEnd(acc *accumulator, ev *models.Event) {
	if acc.dateEnd == nil || ev.Time.After(*acc.dateEnd) {
		t := ev.Time
		acc.dateEnd = &t
	}
}

// setTenant records the tenant uuid the first time it is seen. A later
// event carrying a different tenant is a data integrity anomaly: it is
// logged and the original value kept.
func (b *Builder) setTenant(acc *accumulator, tenant string) {
	if _, err := uuid.Parse(tenant); err != nil {
		b.logger.Warn("ignoring malformed tenant uuid",
			"correlation_id", acc.correlationID, "tenant_uuid", tenant)
		return
	}
	if acc.tenantUUID == "" {
		acc.tenantUUID = tenant
		return
	}
	if acc.tenantUUID != tenant {
		b.logger.Error("event carries unexpected tenant uuid",
			"correlation_id", acc.correlationID,
			"tenant_uuid", tenant,
			"expected", acc.tenantUUID)
	}
}

func (b *Builder) trackParticipant(acc *accumulator, ev *models.Event) {
	userUUID := ev.Extra["user_uuid"]
	if userUUID == "" || ev.ChannelID == "" {
		return
	}
	if _, seen := acc.byChannel[ev.ChannelID]; seen {
		return
	}

	role := "destination"
	if ev.ChannelID == acc.firstChannelID {
		role = "source"
	}
	p := &models.Participant{
		UserUUID:  userUUID,
		Role:      role,
		Requested: ev.Extra["requested"] == "true",
	}
	if raw := ev.Extra["line_id"]; raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			p.LineID = &id
		}
	}
	if tags := ev.Extra["tags"]; tags != "" {
		p.Tags = strings.Split(tags, ",")
	}
	acc.byChannel[ev.ChannelID] = p
	acc.participants = append(acc.participants, p)
}

// collectDestinationDetails gathers destination_* extra fields into the
// record's destination details map (type, user_uuid, meeting_uuid, ...).
func (b *Builder) collectDestinationDetails(acc *accumulator, ev *models.Event) {
	for key, value := range ev.Extra {
		if name, ok := strings.CutPrefix(key, "destination_"); ok && value != "" {
			acc.destinationDetails[name] = value
		}
	}
}

// updateDestination applies a destination identity candidate. A fixed
// destination is never replaced; an authoritative candidate fixes it.
func (acc *accumulator) updateDestination(info *identity, authoritative bool) {
	if acc.fixedDestination != nil {
		return
	}
	if authoritative {
		acc.fixedDestination = info
		return
	}
	acc.tentativeDestination = info
}

// finalize validates the accumulator and produces the immutable record.
func (b *Builder) finalize(acc *accumulator) (*models.CallRecord, error) {
	if acc.date == nil {
		return nil, &BuildError{CorrelationID: acc.correlationID, Reason: ErrMissingDate}
	}
	if acc.source == nil || (acc.source.name == "" && acc.source.exten == "") {
		return nil, &BuildError{CorrelationID: acc.correlationID, Reason: ErrMissingSource}
	}

	conversationID := acc.conversationID
	if conversationID == "" {
		conversationID = acc.correlationID
	}

	rec := &models.CallRecord{
		TenantUUID:     acc.tenantUUID,
		CorrelationID:  acc.correlationID,
		ConversationID: conversationID,
		Date:           *acc.date,
		DateAnswer:     acc.dateAnswer,
		DateEnd:        acc.dateEnd,
		Direction:      direction(acc.eventTypes),
		Blocked:        acc.blocked,
		Forwards:       acc.forwards,
		Transfers:      acc.transfers,
		IVRChoices:     acc.ivrChoices,
		EventIDs:       acc.eventIDs,
	}

	rec.SourceName = optional(acc.source.name)
	rec.SourceExten = optional(acc.source.exten)
	rec.SourceInternalName = optional(acc.source.internalName)
	rec.SourceInternalExten = optional(acc.source.internalExten)
	rec.SourceInternalContext = optional(acc.source.internalContext)
	rec.SourceLineIdentity = optional(acc.source.lineIdentity)

	if acc.requested != nil {
		rec.RequestedName = optional(acc.requested.name)
		rec.RequestedExten = optional(acc.requested.exten)
		rec.RequestedContext = optional(acc.requested.context)
		rec.RequestedInternalExten = optional(acc.requested.internalExten)
		rec.RequestedInternalContext = optional(acc.requested.internalContext)
	}

	dest := acc.fixedDestination
	if dest == nil {
		dest = acc.tentativeDestination
	}
	if dest != nil {
		rec.DestinationName = optional(dest.name)
		rec.DestinationExten = optional(dest.exten)
		rec.DestinationInternalExten = optional(dest.internalExten)
		rec.DestinationInternalContext = optional(dest.internalContext)
		rec.DestinationLineIdentity = optional(dest.lineIdentity)
	}

	if len(acc.destinationDetails) > 0 {
		rec.DestinationDetails = acc.destinationDetails
	}

	if trunk := b.resolveTrunk(acc); trunk != "" {
		rec.Trunk = &trunk
		if number, ok := b.trunks.NumberFor(trunk); ok {
			rec.TrunkNumber = &number
		}
	}

	for _, p := range acc.participants {
		rec.Participants = append(rec.Participants, *p)
	}

	return rec, nil
}

// resolveTrunk prefers the explicit trunk name captured on a DID or trunk
// marker event, falling back to parsing that event's channel name.
func (b *Builder) resolveTrunk(acc *accumulator) string {
	if acc.trunkHint != "" {
		return acc.trunkHint
	}
	return lineLabel(acc.trunkChannel)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
