package sanitize

import "strings"

// reservedNames are the Windows device names. They are reserved with or
// without an extension and in any letter case.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// IsReserved reports whether seg names a Windows device.
func IsReserved(seg string) bool {
	stem, _, _ := strings.Cut(seg, ".")
	_, ok := reservedNames[strings.ToUpper(strings.TrimRight(stem, " "))]
	return ok
}

// escapeReserved appends the placeholder to a reserved stem, so "con.txt"
// becomes "con_.txt".
func escapeReserved(s string) string {
	if !IsReserved(s) {
		return s
	}
	stem, rest, found := strings.Cut(s, ".")
	if !found {
		return stem + string(Placeholder)
	}
	return stem + string(Placeholder) + "." + rest
}
