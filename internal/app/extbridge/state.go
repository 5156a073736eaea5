package extbridge

// State 表示单次 exchange 所处阶段。
type State string

const (
	StateIdle           State = "IDLE"
	StatePopupOpened    State = "POPUP_OPENED"
	StateAwaitingReady  State = "AWAITING_READY"
	StateAwaitingResult State = "AWAITING_RESULT"
	StateSettled        State = "SETTLED"
)

func (s State) String() string {
	switch s {
	case StateIdle, StatePopupOpened, StateAwaitingReady, StateAwaitingResult, StateSettled:
		return string(s)
	default:
		return string(StateIdle)
	}
}

// Terminal 表示状态不可再迁移。
func (s State) Terminal() bool { return s == StateSettled }
