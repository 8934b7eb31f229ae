package app

// Key binding constants used in handleKey.
const (
	KeyQuit       = "q"
	KeyQuitUpper  = "Q"
	KeyCtrlC      = "ctrl+c"
	KeyTab        = "tab"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyJ          = "j"
	KeyK          = "k"
	KeyEnter      = "enter"
	KeyRegenerate = "r"
	KeyEdit       = "e"
	KeyApplyEdit  = "ctrl+s"
	KeyEsc        = "esc"
	KeySave       = "s"
	KeyDiscard    = "x"
	KeyRefresh    = "R"
)
