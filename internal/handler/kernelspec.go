package handler

import "net/http"

// LanguageInfo describes the kernel's language to front-ends.
type LanguageInfo struct {
	Name           string `json:"name"`
	MimeType       string `json:"mimetype"`
	FileExtension  string `json:"file_extension"`
	PygmentsLexer  string `json:"pygments_lexer"`
	CodemirrorMode string `json:"codemirror_mode"`
}

// KernelSpec is the reply to GET /api/kernelspec.
type KernelSpec struct {
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	Language              string       `json:"language"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
	Engines               []string     `json:"engines"`
	DefaultEngine         string       `json:"default_engine"`
}

// NewKernelSpec builds the kernel description for the given build version
// and engine configuration.
func NewKernelSpec(version string, engines []string, defaultEngine string) KernelSpec {
	return KernelSpec{
		Implementation:        "mojokernel",
		ImplementationVersion: version,
		Language:              "mojo",
		LanguageInfo: LanguageInfo{
			Name:           "mojo",
			MimeType:       "text/x-mojo",
			FileExtension:  ".mojo",
			PygmentsLexer:  "python",
			CodemirrorMode: "python",
		},
		Banner:        "Mojo Jupyter Kernel",
		Engines:       engines,
		DefaultEngine: defaultEngine,
	}
}

// HandleKernelSpec serves the kernel description.
//
// HTTP: GET /api/kernelspec
func HandleKernelSpec(spec KernelSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, spec)
	}
}

// HandleHealth is the liveness probe.
//
// HTTP: GET /healthz
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
