package app

import "github.com/MrWong99/botcall/internal/hotkey"

// Single-key commands. The push-to-talk key is bound separately and only
// reaches HandleKey while it is not bound.
const (
	keyMute      hotkey.Key = "m"
	keyInterrupt hotkey.Key = "i"
	keyPTTMode   hotkey.Key = "p"
	keyClear     hotkey.Key = "c"
	keyQuit      hotkey.Key = "q"
)

// HandleKey runs the command bound to k. Unknown keys are ignored.
func (a *App) HandleKey(k hotkey.Key) {
	switch k {
	case keyMute:
		muted := a.ctrl.ToggleMute()
		a.printer.notice("muted: %t", muted)
	case keyInterrupt:
		a.ctrl.Interrupt()
	case keyPTTMode:
		ptt := a.ctrl.TogglePTTMode()
		a.printer.notice("push-to-talk: %t", ptt)
	case keyClear:
		a.ctrl.ClearTranscripts()
	case keyQuit, hotkey.KeyCtrlC:
		a.Quit()
	default:
		a.log.Debug("unbound key", "key", string(k))
	}
}
