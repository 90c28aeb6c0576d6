package loader

// Priority orders components into loading tiers. Lower values load first.
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
	Deferred
)

var tiers = []Priority{Critical, High, Medium, Low, Deferred}

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= Critical && p <= Deferred
}
