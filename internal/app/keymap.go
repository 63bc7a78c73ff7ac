package app

// Key binding constants used in handleKey.
const (
	KeyCtrlC      = "ctrl+c"
	KeyQuit       = "q"
	KeyTab        = "tab"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyJ          = "j"
	KeyK          = "k"
	KeyEnter      = "enter"
	KeyNewSession = "n"
	KeyDelete     = "d"
	KeyBackspace  = "backspace"
	KeyEsc        = "esc"

	KeyRecord     = "ctrl+r"
	KeyPause      = "ctrl+p"
	KeySendVoice  = "ctrl+s"
	KeyTranscribe = "ctrl+t"
	KeyPlay       = "ctrl+o"
	KeyToggleMode = "ctrl+a"
)

// Slash commands typed into the input line.
const (
	CmdAttach = "/adjuntar"
	CmdRename = "/renombrar"
	CmdDetach = "/quitar"
)
