package loader

import "context"

// TopFrame is the frame id of a target's root session.
const TopFrame = ""

// SessionID identifies one execution context: a frame inside a target.
type SessionID struct {
	Target string `json:"target"`
	Frame  string `json:"frame,omitempty"`
}

// IsRoot reports whether the id names the top-level frame of its target.
func (id SessionID) IsRoot() bool {
	return id.Frame == TopFrame
}

func (id SessionID) String() string {
	if id.IsRoot() {
		return id.Target
	}
	return id.Target + "/" + id.Frame
}

// TargetInfo describes one open target (a tab or page).
type TargetInfo struct {
	ID        string
	Incognito bool
}

// FrameInfo describes one frame of a target. The root frame has ID TopFrame.
type FrameInfo struct {
	ID  string
	URL string
}

// Host is the privileged environment the registry drives. Inject runs a
// resource as code inside a session; an injected context agent connects
// back through Registry.Connect.
type Host interface {
	Inject(ctx context.Context, id SessionID, resource string) error
	Targets(ctx context.Context) ([]TargetInfo, error)
	Frames(ctx context.Context, target string) ([]FrameInfo, error)
}

// ConnectInfo describes the sender of an incoming port.
type ConnectInfo struct {
	Target    string
	Frame     string
	Incognito bool
	Name      string
}

// Navigation is a committed navigation of a frame.
type Navigation struct {
	Target    string
	Frame     string
	URL       string
	Incognito bool
}
