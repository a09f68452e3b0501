package composer

// languageNames covers the default supported set. Unknown codes are shown
// as-is.
var languageNames = map[string]string{
	"en":  "English",
	"zu":  "isiZulu",
	"xh":  "isiXhosa",
	"af":  "Afrikaans",
	"st":  "Sesotho",
	"tn":  "Setswana",
	"ts":  "Xitsonga",
	"ss":  "siSwati",
	"ve":  "Tshivenda",
	"nr":  "isiNdebele",
	"nso": "Sepedi",
	"fr":  "French",
	"pt":  "Portuguese",
	"es":  "Spanish",
}

// LanguageName returns the display name of an ISO-639 code.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}
