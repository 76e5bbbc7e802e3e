package calllog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/callreportd/callreportd/internal/database/models"
	"github.com/callreportd/callreportd/internal/trunks"
)

var t0 = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

func testBuilder() *Builder {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBuilder(trunks.Empty(), logger)
}

func builderWithTrunks(t *testing.T, entries []models.Trunk) *Builder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	table, err := trunks.Build(context.Background(), staticDirectory(entries), logger)
	if err != nil {
		t.Fatalf("building trunk table: %v", err)
	}
	return NewBuilder(table, logger)
}

type staticDirectory []models.Trunk

func (d staticDirectory) List(_ context.Context) ([]models.Trunk, error) {
	return d, nil
}

// internalCall is a plain answered extension-to-extension call.
func internalCall() []models.Event {
	return []models.Event{
		{
			ID: 1, CorrelationID: "1001", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0,
			ChannelName: "PJSIP/alice-00000001", Exten: "101", Context: "default",
			CallerIDName: "Alice", CallerIDNum: "100",
		},
		{
			ID: 2, CorrelationID: "1001", ChannelID: "chan-b",
			Type: models.EventChanStart, Time: t0.Add(time.Second),
			ChannelName: "PJSIP/bob-00000002",
			CallerIDName: "Bob", CallerIDNum: "101",
		},
		{
			ID: 3, CorrelationID: "1001", ChannelID: "chan-b",
			Type: models.EventAnswer, Time: t0.Add(5 * time.Second),
			ChannelName: "PJSIP/bob-00000002",
			CallerIDName: "Bob", CallerIDNum: "101",
		},
		{
			ID: 4, CorrelationID: "1001", ChannelID: "chan-b",
			Type: models.EventBridgeEnter, Time: t0.Add(6 * time.Second),
			ChannelName: "PJSIP/bob-00000002", Exten: "101", Context: "default",
			CallerIDName: "Bob", CallerIDNum: "101",
		},
		{
			ID: 5, CorrelationID: "1001", ChannelID: "chan-a",
			Type: models.EventHangup, Time: t0.Add(66 * time.Second),
			ChannelName: "PJSIP/alice-00000001",
		},
		{
			ID: 6, CorrelationID: "1001", ChannelID: "chan-a",
			Type: models.EventLinkedIDEnd, Time: t0.Add(66 * time.Second),
			ChannelName: "PJSIP/alice-00000001",
		},
	}
}

func TestReduceInternalCall(t *testing.T) {
	rec, err := testBuilder().Reduce(internalCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Direction != models.DirectionInternal {
		t.Errorf("direction = %q, want internal", rec.Direction)
	}
	if !rec.Date.Equal(t0) {
		t.Errorf("date = %v, want %v", rec.Date, t0)
	}
	if rec.DateAnswer == nil || !rec.DateAnswer.Equal(t0.Add(5*time.Second)) {
		t.Errorf("date_answer = %v, want %v", rec.DateAnswer, t0.Add(5*time.Second))
	}
	if rec.DateEnd == nil || !rec.DateEnd.Equal(t0.Add(66*time.Second)) {
		t.Errorf("date_end = %v, want %v", rec.DateEnd, t0.Add(66*time.Second))
	}
	if rec.SourceName == nil || *rec.SourceName != "Alice" {
		t.Errorf("source_name = %v, want Alice", rec.SourceName)
	}
	if rec.SourceExten == nil || *rec.SourceExten != "100" {
		t.Errorf("source_exten = %v, want 100", rec.SourceExten)
	}
	if rec.RequestedExten == nil || *rec.RequestedExten != "101" {
		t.Errorf("requested_exten = %v, want 101", rec.RequestedExten)
	}
	if rec.DestinationName == nil || *rec.DestinationName != "Bob" {
		t.Errorf("destination_name = %v, want Bob", rec.DestinationName)
	}
	if rec.Trunk != nil {
		t.Errorf("trunk = %v, want nil for internal call", *rec.Trunk)
	}
	if got := rec.Duration(); got != 61*time.Second {
		t.Errorf("duration = %v, want 61s", got)
	}
}

// Reduce must be deterministic: running it twice over the same events yields
// identical records.
func TestReduceIsDeterministic(t *testing.T) {
	b := testBuilder()
	first, err := b.Reduce(internalCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := b.Reduce(internalCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("records differ between runs:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestReduceOrdersEventsByTimeThenID(t *testing.T) {
	events := internalCall()
	// Shuffle: feed the events in reverse.
	reversed := make([]models.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		reversed = append(reversed, events[i])
	}

	b := testBuilder()
	want, err := b.Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := b.Reduce(reversed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Error("record depends on input order, reduction must sort by (time, id)")
	}
}

// The minimal partial stream from answer to hangup still yields a record.
func TestReducePartialStream(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventAnswer, Time: t0, CallerIDNum: "100",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventHangup, Time: t0.Add(30 * time.Second),
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Direction != models.DirectionInternal {
		t.Errorf("direction = %q, want internal", rec.Direction)
	}
	if rec.DateAnswer == nil || !rec.DateAnswer.Equal(t0) {
		t.Errorf("date_answer = %v, want %v", rec.DateAnswer, t0)
	}
	if rec.DateEnd == nil || !rec.DateEnd.Equal(t0.Add(30*time.Second)) {
		t.Errorf("date_end = %v, want %v", rec.DateEnd, t0.Add(30*time.Second))
	}
	if rec.SourceExten == nil || *rec.SourceExten != "100" {
		t.Errorf("source_exten = %v, want 100", rec.SourceExten)
	}
}

func TestReduceDirectionMarkers(t *testing.T) {
	base := func(markers ...models.Event) []models.Event {
		events := []models.Event{{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0, CallerIDNum: "100",
		}}
		return append(events, markers...)
	}

	tests := []struct {
		name   string
		events []models.Event
		want   string
	}{
		{"no marker", base(), models.DirectionInternal},
		{
			"inbound marker",
			base(models.Event{ID: 2, CorrelationID: "1", ChannelID: "chan-a", Type: models.EventIncall, Time: t0}),
			models.DirectionInbound,
		},
		{
			"outbound marker",
			base(models.Event{ID: 2, CorrelationID: "1", ChannelID: "chan-a", Type: models.EventOutcall, Time: t0}),
			models.DirectionOutbound,
		},
		{
			"inbound wins over outbound",
			base(
				models.Event{ID: 2, CorrelationID: "1", ChannelID: "chan-a", Type: models.EventOutcall, Time: t0},
				models.Event{ID: 3, CorrelationID: "1", ChannelID: "chan-a", Type: models.EventIncall, Time: t0.Add(time.Second)},
			),
			models.DirectionInbound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := testBuilder().Reduce(tt.events)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Direction != tt.want {
				t.Errorf("direction = %q, want %q", rec.Direction, tt.want)
			}
		})
	}
}

func TestReduceMissingSource(t *testing.T) {
	events := []models.Event{
		{ID: 1, CorrelationID: "42", ChannelID: "chan-a", Type: models.EventChanStart, Time: t0},
		{ID: 2, CorrelationID: "42", ChannelID: "chan-a", Type: models.EventHangup, Time: t0.Add(time.Second)},
	}

	_, err := testBuilder().Reduce(events)
	if !errors.Is(err, ErrMissingSource) {
		t.Fatalf("err = %v, want ErrMissingSource", err)
	}
	var buildErr *BuildError
	if !errors.As(err, &buildErr) || buildErr.CorrelationID != "42" {
		t.Errorf("expected BuildError carrying correlation id 42, got %v", err)
	}
}

func TestReduceEmptyStream(t *testing.T) {
	_, err := testBuilder().Reduce(nil)
	if !errors.Is(err, ErrMissingDate) {
		t.Fatalf("err = %v, want ErrMissingDate", err)
	}
}

func TestReduceExplicitTrunkPreferredOverChannelParse(t *testing.T) {
	b := builderWithTrunks(t, []models.Trunk{
		{Name: "carrier-main", Contact: "sip:0230200101@carrier.example.com"},
	})

	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0,
			ChannelName: "PJSIP/other-00000001", CallerIDNum: "0611223344",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventIncall, Time: t0,
			ChannelName: "PJSIP/other-00000001",
			Extra:       map[string]string{"trunk": "carrier-main"},
		},
	}

	rec, err := b.Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Trunk == nil || *rec.Trunk != "carrier-main" {
		t.Fatalf("trunk = %v, want carrier-main", rec.Trunk)
	}
	if rec.TrunkNumber == nil || *rec.TrunkNumber != "0230200101" {
		t.Errorf("trunk_number = %v, want 0230200101", rec.TrunkNumber)
	}
}

func TestReduceTrunkFallbackFromChannelName(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0,
			ChannelName: "PJSIP/carrier-00000001", CallerIDNum: "0611223344",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventIncall, Time: t0,
			ChannelName: "PJSIP/carrier-00000001",
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Trunk == nil || *rec.Trunk != "carrier" {
		t.Fatalf("trunk = %v, want carrier", rec.Trunk)
	}
	if rec.TrunkNumber != nil {
		t.Errorf("trunk_number = %v, want nil without enrichment entry", rec.TrunkNumber)
	}
}

// Once a bridge-enter fixes the destination identity, later candidates must
// not replace it.
func TestReduceAuthoritativeDestinationNotDowngraded(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0,
			CallerIDName: "Alice", CallerIDNum: "100",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-b",
			Type: models.EventBridgeEnter, Time: t0.Add(time.Second),
			ChannelName: "PJSIP/bob-00000002", Exten: "101", Context: "default",
			CallerIDName: "Bob", CallerIDNum: "101",
		},
		// A third channel rings afterwards; it is not the destination.
		{
			ID: 3, CorrelationID: "1", ChannelID: "chan-c",
			Type: models.EventChanStart, Time: t0.Add(2 * time.Second),
			ChannelName: "PJSIP/carol-00000003",
			CallerIDName: "Carol", CallerIDNum: "102",
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.DestinationName == nil || *rec.DestinationName != "Bob" {
		t.Errorf("destination_name = %v, want Bob", rec.DestinationName)
	}
	if rec.DestinationInternalExten == nil || *rec.DestinationInternalExten != "101" {
		t.Errorf("destination_internal_exten = %v, want 101", rec.DestinationInternalExten)
	}
}

func TestReduceForwardsAndTransfers(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0, CallerIDNum: "100",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventForward, Time: t0.Add(3 * time.Second),
			ChannelName: "PJSIP/alice-00000001",
			Extra:       map[string]string{"num": "104", "context": "default", "name": "Dave"},
		},
		{
			ID: 3, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventAttendedTransfer, Time: t0.Add(20 * time.Second),
			Extra: map[string]string{
				"target_exten":                     "105",
				"context":                          "default",
				"transferee_channel_name":          "PJSIP/8gfq9ytw-00000042",
				"transferee_channel_uniqueid":      "uid-1",
				"transfer_target_channel_name":     "PJSIP/k3yz11ab-00000043",
				"transfer_target_channel_uniqueid": "uid-2",
				"bridge1_id":                       "b1",
				"bridge2_id":                       "b2",
			},
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rec.Forwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(rec.Forwards))
	}
	fwd := rec.Forwards[0]
	if fwd.Num != "104" || fwd.Name != "Dave" {
		t.Errorf("forward = %+v, want num=104 name=Dave", fwd)
	}
	// A forward never changes the direction classification.
	if rec.Direction != models.DirectionInternal {
		t.Errorf("direction = %q, want internal despite forward", rec.Direction)
	}

	if len(rec.Transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(rec.Transfers))
	}
	tr := rec.Transfers[0]
	if tr.Type != "attended" || tr.TargetExten != "105" {
		t.Errorf("transfer = %+v, want attended to 105", tr)
	}
	if tr.TransfereeLine != "8gfq9ytw" || tr.TargetLine != "k3yz11ab" {
		t.Errorf("line labels = %q/%q, want 8gfq9ytw/k3yz11ab", tr.TransfereeLine, tr.TargetLine)
	}
}

func TestReduceIVRChoices(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0, CallerIDNum: "0611223344",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventIVRChoice, Time: t0.Add(4 * time.Second),
			Exten: "2", Context: "ivr-menu",
		},
		{
			ID: 3, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventIVRChoice, Time: t0.Add(9 * time.Second),
			Exten: "1", Context: "ivr-submenu",
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.IVRChoices) != 2 {
		t.Fatalf("ivr choices = %d, want 2", len(rec.IVRChoices))
	}
	if rec.IVRChoices[0].Exten != "2" || rec.IVRChoices[1].Exten != "1" {
		t.Errorf("ivr choices out of order: %+v", rec.IVRChoices)
	}
}

func TestReduceTenantMismatchKeepsFirst(t *testing.T) {
	const tenantA = "7fe11840-54a9-4d27-8a60-6ffe9c79eee1"
	const tenantB = "23a1f2f2-02a4-4b4c-92d7-7e2b32f80750"

	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0, CallerIDNum: "100",
			Extra: map[string]string{"tenant_uuid": tenantA},
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventAnswer, Time: t0.Add(time.Second),
			Extra: map[string]string{"tenant_uuid": tenantB},
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("tenant mismatch must not be fatal: %v", err)
	}
	if rec.TenantUUID != tenantA {
		t.Errorf("tenant_uuid = %q, want first observed %q", rec.TenantUUID, tenantA)
	}
}

func TestReduceParticipants(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0, CallerIDNum: "100",
			Extra: map[string]string{"user_uuid": "user-a", "line_id": "7"},
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-b",
			Type: models.EventChanStart, Time: t0.Add(time.Second), CallerIDNum: "101",
			Extra: map[string]string{"user_uuid": "user-b", "requested": "true"},
		},
		{
			ID: 3, CorrelationID: "1", ChannelID: "chan-b",
			Type: models.EventAnswer, Time: t0.Add(2 * time.Second), CallerIDNum: "101",
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(rec.Participants))
	}

	src := rec.Participants[0]
	if src.Role != "source" || src.UserUUID != "user-a" {
		t.Errorf("first participant = %+v, want source user-a", src)
	}
	if src.LineID == nil || *src.LineID != 7 {
		t.Errorf("source line_id = %v, want 7", src.LineID)
	}

	dst := rec.Participants[1]
	if dst.Role != "destination" || !dst.Answered || !dst.Requested {
		t.Errorf("second participant = %+v, want answered requested destination", dst)
	}
}

func TestLineLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PJSIP/8gfq9ytw-00000042", "8gfq9ytw"},
		{"SIP/carrier;2", "carrier"},
		{"Local/100@default-000000a1;1", "100"},
		{"PJSIP/trunk:5060", "trunk"},
		{"nochannel", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := lineLabel(tt.in); got != tt.want {
			t.Errorf("lineLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// The caller channel's own bridge-enter carries its dialplan-resolved
// identity; the externally observed caller id must stay untouched.
func TestReduceSourceInternalIdentity(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0,
			ChannelName: "PJSIP/trunk-sbc-00000001", Exten: "8001", Context: "from-extern",
			CallerIDName: "Outside Caller", CallerIDNum: "0230200101",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-b",
			Type: models.EventBridgeEnter, Time: t0.Add(4 * time.Second),
			ChannelName: "PJSIP/bob-00000002", Exten: "101", Context: "default",
			CallerIDName: "Bob", CallerIDNum: "101",
		},
		{
			ID: 3, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventBridgeEnter, Time: t0.Add(4 * time.Second),
			ChannelName: "PJSIP/trunk-sbc-00000001", Exten: "101", Context: "default",
			CallerIDName: "Outside Caller", CallerIDNum: "0230200101",
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.SourceName == nil || *rec.SourceName != "Outside Caller" {
		t.Errorf("source_name = %v, want Outside Caller", rec.SourceName)
	}
	if rec.SourceExten == nil || *rec.SourceExten != "0230200101" {
		t.Errorf("source_exten = %v, want 0230200101", rec.SourceExten)
	}
	if rec.SourceInternalName == nil || *rec.SourceInternalName != "Outside Caller" {
		t.Errorf("source_internal_name = %v, want Outside Caller", rec.SourceInternalName)
	}
	if rec.SourceInternalExten == nil || *rec.SourceInternalExten != "101" {
		t.Errorf("source_internal_exten = %v, want 101", rec.SourceInternalExten)
	}
	if rec.SourceInternalContext == nil || *rec.SourceInternalContext != "default" {
		t.Errorf("source_internal_context = %v, want default", rec.SourceInternalContext)
	}
	// The caller's own bridge-enter is never a destination candidate.
	if rec.DestinationName == nil || *rec.DestinationName != "Bob" {
		t.Errorf("destination_name = %v, want Bob", rec.DestinationName)
	}
}

// The dialed context and the dialplan-internal context are distinct fields:
// chan-start supplies the former, app-start extras the latter.
func TestReduceRequestedContextSplit(t *testing.T) {
	events := []models.Event{
		{
			ID: 1, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventChanStart, Time: t0,
			ChannelName: "PJSIP/trunk-sbc-00000001", Exten: "8001", Context: "from-extern",
			CallerIDNum: "0230200101",
		},
		{
			ID: 2, CorrelationID: "1", ChannelID: "chan-a",
			Type: models.EventAppStart, Time: t0.Add(time.Second),
			ChannelName: "PJSIP/trunk-sbc-00000001",
			Extra: map[string]string{
				"requested_name":             "Bob",
				"requested_internal_exten":   "101",
				"requested_internal_context": "default",
			},
		},
	}

	rec, err := testBuilder().Reduce(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RequestedExten == nil || *rec.RequestedExten != "8001" {
		t.Errorf("requested_exten = %v, want 8001", rec.RequestedExten)
	}
	if rec.RequestedContext == nil || *rec.RequestedContext != "from-extern" {
		t.Errorf("requested_context = %v, want from-extern", rec.RequestedContext)
	}
	if rec.RequestedInternalExten == nil || *rec.RequestedInternalExten != "101" {
		t.Errorf("requested_internal_exten = %v, want 101", rec.RequestedInternalExten)
	}
	if rec.RequestedInternalContext == nil || *rec.RequestedInternalContext != "default" {
		t.Errorf("requested_internal_context = %v, want default", rec.RequestedInternalContext)
	}
}
