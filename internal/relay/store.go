package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/devicesync/internal/actions"
	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrNotFound       = engine.ErrNotFound
	ErrInvalidInput   = engine.ErrInvalidInput
	ErrInvalidState   = engine.ErrInvalidState
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	defaultMaxQueuedCommands = 256
	defaultMaxMirrorRecords  = 500
	defaultCommandTTL        = 10 * time.Minute
	defaultTerminalRetention = 7 * 24 * time.Hour
	defaultJanitorInterval   = time.Minute
	defaultFetchLimit        = 50
	maxFetchLimit            = 500
	subscriberBuffer         = 16
)

type StateRecord struct {
	Namespace string               `json:"namespace"`
	Snapshot  engine.StateSnapshot `json:"snapshot"`
	Revision  string               `json:"revision"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Event is pushed to device subscribers when something new is waiting.
type Event struct {
	Type      string    `json:"type"`
	Namespace string    `json:"namespace,omitempty"`
	ID        string    `json:"id,omitempty"`
	At        time.Time `json:"at"`
}

const (
	EventCommand   = "command.enqueued"
	EventScheduled = "scheduled.changed"
)

type BackendStatus struct {
	StateBackend   string `json:"stateBackend"`
	Devices        int    `json:"devices"`
	QueuedCommands int    `json:"queuedCommands"`
	ScheduledItems int    `json:"scheduledItems"`
	MirrorRecords  int    `json:"mirrorRecords"`
	Subscribers    int    `json:"subscribers"`
}

// Logger receives persistence failures. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	// MaxQueuedCommands caps each device namespace queue.
	MaxQueuedCommands int
	// MaxMirrorRecords is a hard cap per stream; devices keep their own,
	// smaller capacity.
	MaxMirrorRecords  int
	CommandTTL        time.Duration
	TerminalRetention time.Duration
	JanitorInterval   time.Duration
	DisableWorkers    bool
	// Schemas maps namespace to action to JSON Schema. Defaults to the
	// built-in action catalog.
	Schemas map[string]map[string]string
	// PayloadSchemas maps a scheduled delivery action to its payload schema.
	PayloadSchemas map[string]string
	Clock          clockwork.Clock
	Logger         Logger
}

type Store struct {
	mu                sync.RWMutex
	devices           map[string]*deviceState
	revCounter        uint64
	stateBackend      StateBackend
	validators        map[string]*engine.ArgsValidator
	payloadValidator  *engine.ArgsValidator
	maxQueuedCommands int
	maxMirrorRecords  int
	commandTTL        time.Duration
	terminalRetention time.Duration
	janitorInterval   time.Duration
	clock             clockwork.Clock
	logger            Logger

	subMu       sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type deviceState struct {
	Commands  map[string][]engine.Command        `json:"commands"`
	States    map[string]StateRecord             `json:"states"`
	Scheduled map[string]engine.ScheduledItem    `json:"scheduled"`
	Mirror    map[string][]engine.MirroredRecord `json:"mirror"`
	LastSeen  time.Time                          `json:"lastSeen,omitempty"`
}

type persistedState struct {
	RevCounter uint64                  `json:"revCounter"`
	Devices    map[string]*deviceState `json:"devices"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxQueued := opts.MaxQueuedCommands
	if maxQueued <= 0 {
		maxQueued = defaultMaxQueuedCommands
	}
	maxMirror := opts.MaxMirrorRecords
	if maxMirror <= 0 {
		maxMirror = defaultMaxMirrorRecords
	}
	commandTTL := opts.CommandTTL
	if commandTTL <= 0 {
		commandTTL = defaultCommandTTL
	}
	retention := opts.TerminalRetention
	if retention <= 0 {
		retention = defaultTerminalRetention
	}
	janitorInterval := opts.JanitorInterval
	if janitorInterval <= 0 {
		janitorInterval = defaultJanitorInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	schemas := opts.Schemas
	if schemas == nil {
		schemas = map[string]map[string]string{}
		for _, namespace := range actions.Namespaces() {
			schemas[namespace] = actions.Schemas(namespace)
		}
	}
	validators := make(map[string]*engine.ArgsValidator, len(schemas))
	for namespace, entries := range schemas {
		validator, err := engine.NewArgsValidator(namespace, entries)
		if err != nil {
			// Schemas are compiled once at startup; a broken one is a bug.
			panic(fmt.Sprintf("relay: %v", err))
		}
		validators[namespace] = validator
	}
	payloadSchemas := opts.PayloadSchemas
	if payloadSchemas == nil {
		payloadSchemas = map[string]string{actions.Send: actions.SendPayloadSchema}
	}
	payloadValidator, err := engine.NewArgsValidator("payload", payloadSchemas)
	if err != nil {
		panic(fmt.Sprintf("relay: %v", err))
	}

	s := &Store{
		devices:           map[string]*deviceState{},
		stateBackend:      stateBackend,
		validators:        validators,
		payloadValidator:  payloadValidator,
		maxQueuedCommands: maxQueued,
		maxMirrorRecords:  maxMirror,
		commandTTL:        commandTTL,
		terminalRetention: retention,
		janitorInterval:   janitorInterval,
		clock:             clock,
		logger:            opts.Logger,
		subscribers:       map[string]map[int]chan Event{},
		closed:            make(chan struct{}),
	}
	_ = s.loadFromDisk()
	if !opts.DisableWorkers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.janitorWorker()
		}()
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		s.subMu.Lock()
		for deviceID, subs := range s.subscribers {
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			delete(s.subscribers, deviceID)
		}
		s.subMu.Unlock()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

// EnqueueCommand appends a controller command to a device namespace queue.
// Arguments of known actions are validated against their schema.
func (s *Store) EnqueueCommand(deviceID, namespace string, cmd engine.Command) (engine.Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	namespace = strings.TrimSpace(namespace)
	cmd.Action = strings.TrimSpace(cmd.Action)
	if deviceID == "" || namespace == "" || cmd.Action == "" {
		return engine.Command{}, ErrInvalidInput
	}
	if validator, ok := s.validators[namespace]; ok {
		if err := validator.Validate(cmd.Action, cmd.Args); err != nil {
			return engine.Command{}, err
		}
	}

	s.mu.Lock()
	ds := s.ensureDeviceLocked(deviceID)
	queue := ds.Commands[namespace]
	if len(queue) >= s.maxQueuedCommands {
		s.mu.Unlock()
		return engine.Command{}, ErrQueueFull
	}
	cmd.Namespace = namespace
	if strings.TrimSpace(cmd.ID) == "" {
		cmd.ID = newID()
	} else {
		for _, existing := range queue {
			if existing.ID == cmd.ID {
				s.mu.Unlock()
				return existing, nil
			}
		}
	}
	// Staleness is judged against this stamp, so a caller's clock never counts.
	cmd.CreatedAt = s.clock.Now().UTC()
	ds.Commands[namespace] = append(queue, cmd)
	s.persistLocked("EnqueueCommand")
	s.mu.Unlock()

	s.publish(deviceID, Event{Type: EventCommand, Namespace: namespace, ID: cmd.ID, At: cmd.CreatedAt})
	return cmd, nil
}

// PendingCommands returns the oldest queued commands of a namespace. Fetching
// does not remove them; only AckCommand does.
func (s *Store) PendingCommands(deviceID, namespace string, limit int) ([]engine.Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	namespace = strings.TrimSpace(namespace)
	if deviceID == "" || namespace == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.ensureDeviceLocked(deviceID)
	ds.LastSeen = s.clock.Now().UTC()
	queue := ds.Commands[namespace]
	if len(queue) > limit {
		queue = queue[:limit]
	}
	return append([]engine.Command{}, queue...), nil
}

func (s *Store) AckCommand(deviceID, namespace, commandID string) error {
	deviceID = strings.TrimSpace(deviceID)
	namespace = strings.TrimSpace(namespace)
	commandID = strings.TrimSpace(commandID)
	if deviceID == "" || namespace == "" || commandID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	queue := ds.Commands[namespace]
	for i, cmd := range queue {
		if cmd.ID != commandID {
			continue
		}
		ds.Commands[namespace] = append(queue[:i:i], queue[i+1:]...)
		if len(ds.Commands[namespace]) == 0 {
			delete(ds.Commands, namespace)
		}
		s.persistLocked("AckCommand")
		return nil
	}
	return ErrNotFound
}

// PutState stores the latest snapshot of a namespace. Last write wins.
func (s *Store) PutState(deviceID, namespace string, snapshot engine.StateSnapshot) (StateRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	namespace = strings.TrimSpace(namespace)
	if deviceID == "" || namespace == "" {
		return StateRecord{}, ErrInvalidInput
	}
	if snapshot == nil {
		snapshot = engine.StateSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.ensureDeviceLocked(deviceID)
	now := s.clock.Now().UTC()
	ds.LastSeen = now
	record := StateRecord{
		Namespace: namespace,
		Snapshot:  snapshot.Clone(),
		Revision:  s.nextRevisionLocked(),
		UpdatedAt: now,
	}
	ds.States[namespace] = record
	s.persistLocked("PutState")
	return record, nil
}

func (s *Store) GetState(deviceID, namespace string) (StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return StateRecord{}, ErrNotFound
	}
	record, ok := ds.States[strings.TrimSpace(namespace)]
	if !ok {
		return StateRecord{}, ErrNotFound
	}
	record.Snapshot = record.Snapshot.Clone()
	return record, nil
}

// CreateScheduledItem stores a pending item and nudges the device with a
// rescan command. Creating an id that already exists returns the stored item.
func (s *Store) CreateScheduledItem(deviceID string, item engine.ScheduledItem) (engine.ScheduledItem, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || item.ExecuteAt.IsZero() {
		return engine.ScheduledItem{}, ErrInvalidInput
	}
	item.Action = strings.TrimSpace(item.Action)
	if item.Action == "" {
		item.Action = engine.DefaultDeliveryAction
	}
	if err := s.payloadValidator.Validate(item.Action, item.Payload); err != nil {
		return engine.ScheduledItem{}, err
	}

	s.mu.Lock()
	ds := s.ensureDeviceLocked(deviceID)
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = newID()
	} else if existing, ok := ds.Scheduled[item.ID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	now := s.clock.Now().UTC()
	item.CreatedAt = now
	item.Status = engine.StatusPending
	item.RetryCount = 0
	item.LastError = ""
	item.NextAttemptAt = nil
	item.CancelRequested = false
	ds.Scheduled[item.ID] = item
	rescan, queued := s.queueRescanLocked(ds, now)
	s.persistLocked("CreateScheduledItem")
	s.mu.Unlock()

	s.publish(deviceID, Event{Type: EventScheduled, Namespace: actions.NamespaceScheduled, ID: item.ID, At: now})
	if queued {
		s.publish(deviceID, Event{Type: EventCommand, Namespace: actions.NamespaceScheduled, ID: rescan.ID, At: now})
	}
	return item, nil
}

// ListScheduledItems returns a device's items ordered by execution time. An
// empty status returns every item.
func (s *Store) ListScheduledItems(deviceID string, status engine.ItemStatus) ([]engine.ScheduledItem, error) {
	if status != "" && !status.Valid() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return []engine.ScheduledItem{}, nil
	}
	ds.LastSeen = s.clock.Now().UTC()
	items := make([]engine.ScheduledItem, 0, len(ds.Scheduled))
	for _, item := range ds.Scheduled {
		if status == "" || item.Status == status {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ExecuteAt.Equal(items[j].ExecuteAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].ExecuteAt.Before(items[j].ExecuteAt)
	})
	return items, nil
}

func (s *Store) GetScheduledItem(deviceID, itemID string) (engine.ScheduledItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return engine.ScheduledItem{}, ErrNotFound
	}
	item, ok := ds.Scheduled[strings.TrimSpace(itemID)]
	if !ok {
		return engine.ScheduledItem{}, ErrNotFound
	}
	return item, nil
}

// UpdateScheduledItemStatus applies a status report from the device. A
// terminal item only accepts a repeat of its own status. A cancellation for an
// unknown id is stored as a tombstone.
func (s *Store) UpdateScheduledItemStatus(deviceID, itemID string, update engine.StatusUpdate) (engine.ScheduledItem, error) {
	deviceID = strings.TrimSpace(deviceID)
	itemID = strings.TrimSpace(itemID)
	if deviceID == "" || itemID == "" || !update.Status.Valid() || update.RetryCount < 0 {
		return engine.ScheduledItem{}, ErrInvalidInput
	}
	s.mu.Lock()
	ds := s.ensureDeviceLocked(deviceID)
	now := s.clock.Now().UTC()
	item, ok := ds.Scheduled[itemID]
	if !ok {
		if update.Status != engine.StatusCancelled {
			s.mu.Unlock()
			return engine.ScheduledItem{}, ErrNotFound
		}
		item = engine.ScheduledItem{ID: itemID, Action: engine.DefaultDeliveryAction, CreatedAt: now, ExecuteAt: now}
	} else if item.Status.Terminal() {
		s.mu.Unlock()
		if item.Status == update.Status {
			return item, nil
		}
		return engine.ScheduledItem{}, fmt.Errorf("%w: item %s is %s", ErrInvalidState, itemID, item.Status)
	}
	item.Status = update.Status
	item.RetryCount = update.RetryCount
	item.LastError = update.LastError
	item.NextAttemptAt = update.NextAttemptAt
	ds.Scheduled[itemID] = item
	ds.LastSeen = now
	s.persistLocked("UpdateScheduledItemStatus")
	s.mu.Unlock()

	s.publish(deviceID, Event{Type: EventScheduled, Namespace: actions.NamespaceScheduled, ID: itemID, At: now})
	return item, nil
}

// RequestCancel asks the device to cancel an item. The request is recorded on
// the item so a device that misses the cancel command still honours it on its
// next rescan. The device stays the only writer of item status.
func (s *Store) RequestCancel(deviceID, itemID string) (engine.Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	itemID = strings.TrimSpace(itemID)
	s.mu.Lock()
	ds, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return engine.Command{}, ErrNotFound
	}
	item, ok := ds.Scheduled[itemID]
	if !ok {
		s.mu.Unlock()
		return engine.Command{}, ErrNotFound
	}
	if item.Status.Terminal() {
		s.mu.Unlock()
		return engine.Command{}, fmt.Errorf("%w: item %s is %s", ErrInvalidState, item.ID, item.Status)
	}
	now := s.clock.Now().UTC()
	if !item.CancelRequested {
		item.CancelRequested = true
		ds.Scheduled[itemID] = item
		s.persistLocked("RequestCancel")
	}
	s.mu.Unlock()

	s.publish(deviceID, Event{Type: EventScheduled, Namespace: actions.NamespaceScheduled, ID: itemID, At: now})
	return s.EnqueueCommand(deviceID, actions.NamespaceScheduled, engine.Command{
		Action: actions.Cancel,
		Args:   map[string]any{"id": itemID},
	})
}

// MirrorWrite appends a record to a device stream. WrittenAt is assigned here
// and strictly increases within a stream.
func (s *Store) MirrorWrite(deviceID string, record engine.MirroredRecord) (engine.MirroredRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	record.Stream = strings.TrimSpace(record.Stream)
	if deviceID == "" || record.Stream == "" || strings.TrimSpace(record.SourceKey) == "" {
		return engine.MirroredRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.ensureDeviceLocked(deviceID)
	records := ds.Mirror[record.Stream]
	if strings.TrimSpace(record.ID) == "" {
		record.ID = newID()
	} else {
		for _, existing := range records {
			if existing.ID == record.ID {
				return existing, nil
			}
		}
	}
	now := s.clock.Now().UTC()
	if n := len(records); n > 0 && !now.After(records[n-1].WrittenAt) {
		now = records[n-1].WrittenAt.Add(time.Microsecond)
	}
	record.WrittenAt = now
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = now
	}
	records = append(records, record)
	if excess := len(records) - s.maxMirrorRecords; excess > 0 {
		records = append([]engine.MirroredRecord(nil), records[excess:]...)
	}
	ds.Mirror[record.Stream] = records
	ds.LastSeen = now
	s.persistLocked("MirrorWrite")
	return record, nil
}

func (s *Store) MirrorDelete(deviceID, stream, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return ErrNotFound
	}
	stream = strings.TrimSpace(stream)
	records := ds.Mirror[stream]
	for i, record := range records {
		if record.ID != recordID {
			continue
		}
		ds.Mirror[stream] = append(records[:i:i], records[i+1:]...)
		s.persistLocked("MirrorDelete")
		return nil
	}
	return ErrNotFound
}

// MirrorList returns a stream's records, oldest first.
func (s *Store) MirrorList(deviceID, stream string) ([]engine.MirroredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return []engine.MirroredRecord{}, nil
	}
	return append([]engine.MirroredRecord{}, ds.Mirror[strings.TrimSpace(stream)]...), nil
}

// Subscribe registers for a device's events. The returned function
// unsubscribes and closes the channel. Slow subscribers miss events rather
// than block writers.
func (s *Store) Subscribe(deviceID string) (<-chan Event, func()) {
	deviceID = strings.TrimSpace(deviceID)
	ch := make(chan Event, subscriberBuffer)
	s.subMu.Lock()
	select {
	case <-s.closed:
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.nextSubID++
	id := s.nextSubID
	subs, ok := s.subscribers[deviceID]
	if !ok {
		subs = map[int]chan Event{}
		s.subscribers[deviceID] = subs
	}
	subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if subs, ok := s.subscribers[deviceID]; ok {
				if current, ok := subs[id]; ok {
					close(current)
					delete(subs, id)
				}
				if len(subs) == 0 {
					delete(s.subscribers, deviceID)
				}
			}
		})
	}
}

// Devices lists known device ids.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.devices))
	for deviceID := range s.devices {
		out = append(out, deviceID)
	}
	sort.Strings(out)
	return out
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	status := BackendStatus{StateBackend: "none", Devices: len(s.devices)}
	switch backend := s.stateBackend.(type) {
	case nil:
	case describedBackend:
		status.StateBackend = backend.Describe()
	default:
		status.StateBackend = fmt.Sprintf("%T", backend)
	}
	for _, ds := range s.devices {
		for _, queue := range ds.Commands {
			status.QueuedCommands += len(queue)
		}
		status.ScheduledItems += len(ds.Scheduled)
		for _, records := range ds.Mirror {
			status.MirrorRecords += len(records)
		}
	}
	s.mu.RUnlock()

	s.subMu.Lock()
	for _, subs := range s.subscribers {
		status.Subscribers += len(subs)
	}
	s.subMu.Unlock()
	return status
}

// Prune drops commands older than the command TTL and terminal scheduled
// items older than the retention window. Expired commands would be dropped
// as stale by the device anyway.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for _, ds := range s.devices {
		for namespace, queue := range ds.Commands {
			kept := queue[:0]
			for _, cmd := range queue {
				if now.Sub(cmd.CreatedAt) > s.commandTTL {
					removed++
					continue
				}
				kept = append(kept, cmd)
			}
			if len(kept) == 0 {
				delete(ds.Commands, namespace)
			} else {
				ds.Commands[namespace] = kept
			}
		}
		for id, item := range ds.Scheduled {
			if !item.Status.Terminal() {
				continue
			}
			finished := item.ExecuteAt
			if item.CreatedAt.After(finished) {
				finished = item.CreatedAt
			}
			if now.Sub(finished) > s.terminalRetention {
				delete(ds.Scheduled, id)
				removed++
			}
		}
	}
	if removed > 0 {
		s.persistLocked("Prune")
	}
	return removed
}

func (s *Store) janitorWorker() {
	ticker := s.clock.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.Chan():
			s.Prune()
		}
	}
}

// queueRescanLocked enqueues one rescan command unless one is already
// waiting.
func (s *Store) queueRescanLocked(ds *deviceState, now time.Time) (engine.Command, bool) {
	queue := ds.Commands[actions.NamespaceScheduled]
	for _, cmd := range queue {
		if cmd.Action == actions.Rescan && now.Sub(cmd.CreatedAt) <= engine.DefaultStalenessWindow/2 {
			return cmd, false
		}
	}
	if len(queue) >= s.maxQueuedCommands {
		return engine.Command{}, false
	}
	cmd := engine.Command{
		ID:        newID(),
		Namespace: actions.NamespaceScheduled,
		Action:    actions.Rescan,
		CreatedAt: now,
	}
	ds.Commands[actions.NamespaceScheduled] = append(queue, cmd)
	return cmd, true
}

func (s *Store) publish(deviceID string, event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[deviceID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) ensureDeviceLocked(deviceID string) *deviceState {
	ds, ok := s.devices[deviceID]
	if ok {
		return ds
	}
	ds = newDeviceState()
	s.devices[deviceID] = ds
	return ds
}

func newDeviceState() *deviceState {
	return &deviceState{
		Commands:  map[string][]engine.Command{},
		States:    map[string]StateRecord{},
		Scheduled: map[string]engine.ScheduledItem{},
		Mirror:    map[string][]engine.MirroredRecord{},
	}
}

func (s *Store) nextRevisionLocked() string {
	s.revCounter++
	return fmt.Sprintf("rev_%d", s.revCounter)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for deviceID, ds := range snapshot.Devices {
		if ds == nil {
			continue
		}
		if ds.Commands == nil {
			ds.Commands = map[string][]engine.Command{}
		}
		if ds.States == nil {
			ds.States = map[string]StateRecord{}
		}
		if ds.Scheduled == nil {
			ds.Scheduled = map[string]engine.ScheduledItem{}
		}
		if ds.Mirror == nil {
			ds.Mirror = map[string][]engine.MirroredRecord{}
		}
		s.devices[deviceID] = ds
	}
	s.revCounter = snapshot.RevCounter
	return nil
}

// persistLocked saves the state and logs a failure. The in-memory state stays
// authoritative, so callers do not fail on a persistence error.
func (s *Store) persistLocked(op string) {
	if err := s.saveLocked(); err != nil && s.logger != nil {
		s.logger.Printf("relay: persist state after %s: %v", op, err)
	}
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		RevCounter: s.revCounter,
		Devices:    s.devices,
	}
	return s.stateBackend.Save(&snapshot)
}
