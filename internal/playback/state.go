package playback

// State is the lifecycle of a Controller.
// Empty -> Loading -> Ready <-> {Playing, Paused}; any load may end in Error.
// A new load from any state, Error included, goes back to Loading.
type State int

const (
	Empty State = iota
	Loading
	Ready
	Playing
	Paused
	Error
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// controllable reports whether seek and play/pause apply in this state
func (s State) controllable() bool {
	return s == Ready || s == Playing || s == Paused
}
