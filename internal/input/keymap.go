package input

import "strings"

// Key names follow robotgo's vocabulary, which the desktop sink passes
// through unchanged.

// codeMap maps DOM KeyboardEvent.code values (physical key position) to key
// names.
var codeMap = map[string]string{
	"Backspace":    "backspace",
	"Tab":          "tab",
	"Enter":        "enter",
	"NumpadEnter":  "enter",
	"Escape":       "esc",
	"Delete":       "delete",
	"Home":         "home",
	"End":          "end",
	"PageUp":       "pageup",
	"PageDown":     "pagedown",
	"ArrowLeft":    "left",
	"ArrowUp":      "up",
	"ArrowRight":   "right",
	"ArrowDown":    "down",
	"Insert":       "insert",
	"ShiftLeft":    "lshift",
	"ShiftRight":   "rshift",
	"ControlLeft":  "lctrl",
	"ControlRight": "rctrl",
	"AltLeft":      "lalt",
	"AltRight":     "ralt",
	"MetaLeft":     "lcmd",
	"MetaRight":    "rcmd",
	"CapsLock":     "capslock",
	"NumLock":      "num_lock",
	"ScrollLock":   "scroll_lock",
	"Space":        "space",
	"PrintScreen":  "printscreen",
	"Pause":        "pause",
	"ContextMenu":  "menu",

	"F1": "f1", "F2": "f2", "F3": "f3", "F4": "f4",
	"F5": "f5", "F6": "f6", "F7": "f7", "F8": "f8",
	"F9": "f9", "F10": "f10", "F11": "f11", "F12": "f12",

	"KeyA": "a", "KeyB": "b", "KeyC": "c", "KeyD": "d",
	"KeyE": "e", "KeyF": "f", "KeyG": "g", "KeyH": "h",
	"KeyI": "i", "KeyJ": "j", "KeyK": "k", "KeyL": "l",
	"KeyM": "m", "KeyN": "n", "KeyO": "o", "KeyP": "p",
	"KeyQ": "q", "KeyR": "r", "KeyS": "s", "KeyT": "t",
	"KeyU": "u", "KeyV": "v", "KeyW": "w", "KeyX": "x",
	"KeyY": "y", "KeyZ": "z",

	"Digit0": "0", "Digit1": "1", "Digit2": "2", "Digit3": "3",
	"Digit4": "4", "Digit5": "5", "Digit6": "6", "Digit7": "7",
	"Digit8": "8", "Digit9": "9",

	"Numpad0": "num0", "Numpad1": "num1", "Numpad2": "num2", "Numpad3": "num3",
	"Numpad4": "num4", "Numpad5": "num5", "Numpad6": "num6", "Numpad7": "num7",
	"Numpad8": "num8", "Numpad9": "num9",
	"NumpadAdd":      "num_plus",
	"NumpadSubtract": "num_minus",
	"NumpadMultiply": "num_mul",
	"NumpadDivide":   "num_div",
	"NumpadDecimal":  "num_dec",

	"Minus":        "-",
	"Equal":        "=",
	"BracketLeft":  "[",
	"BracketRight": "]",
	"Backslash":    "\\",
	"Semicolon":    ";",
	"Quote":        "'",
	"Backquote":    "`",
	"Comma":        ",",
	"Period":       ".",
	"Slash":        "/",
}

// keyMap maps lower-cased DOM KeyboardEvent.key values for clients that do
// not send a code.
var keyMap = map[string]string{
	"backspace":  "backspace",
	"tab":        "tab",
	"enter":      "enter",
	"escape":     "esc",
	"delete":     "delete",
	"home":       "home",
	"end":        "end",
	"pageup":     "pageup",
	"pagedown":   "pagedown",
	"arrowleft":  "left",
	"arrowup":    "up",
	"arrowright": "right",
	"arrowdown":  "down",
	"insert":     "insert",
	"shift":      "lshift",
	"control":    "lctrl",
	"alt":        "lalt",
	"meta":       "lcmd",
	"capslock":   "capslock",
	" ":          "space",
}

// Modifier is a bit set of held modifier keys.
type Modifier uint8

const (
	ModShift Modifier = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

func (m Modifier) String() string {
	var parts []string
	for _, p := range []struct {
		bit  Modifier
		name string
	}{{ModShift, "shift"}, {ModCtrl, "ctrl"}, {ModAlt, "alt"}, {ModMeta, "meta"}} {
		if m&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// modifierKeys maps key names to the modifier they hold.
var modifierKeys = map[string]Modifier{
	"lshift": ModShift, "rshift": ModShift,
	"lctrl": ModCtrl, "rctrl": ModCtrl,
	"lalt": ModAlt, "ralt": ModAlt,
	"lcmd": ModMeta, "rcmd": ModMeta,
}

// lockKeys are the toggling keys tracked in LockState.
var lockKeys = map[string]bool{
	"capslock":    true,
	"num_lock":    true,
	"scroll_lock": true,
}

// KeyName resolves a client key event to a key name. The physical code wins
// over the produced character so layouts stay consistent with the desktop.
func KeyName(code, key string) (string, bool) {
	if name, ok := codeMap[code]; ok {
		return name, true
	}
	if len(key) == 1 && key[0] >= 0x20 && key[0] <= 0x7E {
		return strings.ToLower(key), true
	}
	if name, ok := keyMap[strings.ToLower(key)]; ok {
		return name, true
	}
	return "", false
}
