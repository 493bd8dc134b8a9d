package orchestrator

import "strings"

// Office-family MIME sets mirror internal/subtask/format_conversion.go's
// routing set (spreadsheetMimes/emailMimes/mimeXPS) plus the
// word-processor and presentation families. Kept as its own closed set
// here rather than exported from subtask, since orchestrator decides the
// family before any subtask runs.
var spreadsheetMimes = map[string]bool{
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.oasis.opendocument.spreadsheet":                   true,
}

var wordProcessorMimes = map[string]bool{
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.oasis.opendocument.text":                                 true,
}

var presentationMimes = map[string]bool{
	"application/vnd.ms-powerpoint": true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.presentation":                           true,
}

var emailMimes = map[string]bool{
	"message/rfc822":            true,
	"application/vnd.ms-outlook": true,
}

const mimeXPS = "application/vnd.ms-xpsdocument"

var textFamilyMimes = map[string]bool{
	"text/plain": true,
	"text/csv":   true,
}

func isPDFMime(mime string) bool {
	return mime == "application/pdf"
}

func isImageMime(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

func isTextFamilyMime(mime string) bool {
	return textFamilyMimes[mime]
}

func isOfficeFamilyMime(mime string) bool {
	return spreadsheetMimes[mime] || wordProcessorMimes[mime] || presentationMimes[mime] ||
		emailMimes[mime] || mime == mimeXPS
}
