package models

// State - состояние заявки в жизненном цикле
type State string

// Константы состояний заявки
const (
	StateNone               State = ""
	StateWillQueueWhenReady State = "will-queue-when-ready"
	StateQueued             State = "queued"
	StateRunning            State = "running"
	StateAwaitingMerge      State = "awaiting-merge"
	StateMerging            State = "merging"
	StateSuccess            State = "success"
	StateFail               State = "fail"
	StateCancelled          State = "cancelled"
)

// Наборы состояний, которые используются запросами к очереди
var (
	WaitingStates = []State{StateWillQueueWhenReady}
	QueueStates   = []State{StateQueued, StateRunning, StateAwaitingMerge, StateMerging}
	ActiveStates  = []State{StateRunning, StateAwaitingMerge, StateMerging}
	OpenStates    = []State{StateWillQueueWhenReady, StateQueued, StateRunning, StateAwaitingMerge, StateMerging}
)

// rank задает порядок состояний: переходы разрешены только вперед
var rank = map[State]int{
	StateNone:               0,
	StateWillQueueWhenReady: 1,
	StateQueued:             2,
	StateRunning:            3,
	StateAwaitingMerge:      4,
	StateMerging:            5,
	StateSuccess:            6,
	StateFail:               6,
	StateCancelled:          6,
}

var transitions = map[State][]State{
	StateNone:               {StateWillQueueWhenReady, StateQueued},
	StateWillQueueWhenReady: {StateQueued, StateCancelled},
	StateQueued:             {StateRunning, StateCancelled},
	StateRunning:            {StateAwaitingMerge, StateFail, StateCancelled},
	StateAwaitingMerge:      {StateMerging, StateFail, StateCancelled},
	StateMerging:            {StateSuccess, StateFail},
}

// Valid сообщает, известно ли состояние
func (s State) Valid() bool {
	_, ok := rank[s]
	return ok && s != StateNone
}

// IsTerminal сообщает, является ли состояние конечным
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFail || s == StateCancelled
}

// IsActive сообщает, занимает ли заявка в этом состоянии слот запуска
func (s State) IsActive() bool {
	return s.In(ActiveStates)
}

// In проверяет принадлежность состояния набору
func (s State) In(states []State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition проверяет переход from -> to по таблице состояний
func CanTransition(from, to State) bool {
	if rank[to] <= rank[from] {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates возвращает состояния, в которые можно перейти из s
func NextStates(s State) []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}
