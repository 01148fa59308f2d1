package flow

// View is what a client renders for a flow.
type View struct {
	FlowID         string               `json:"flowId"`
	Stage          Stage                `json:"stage"`
	Record         Record               `json:"record"`
	Submittable    bool                 `json:"submittable"`
	RequireProfile bool                 `json:"requireProfile"`
	DisplayAddress string               `json:"displayAddress,omitempty"`
	Pending        Operation            `json:"pending,omitempty"`
	Errors         map[Operation]string `json:"errors,omitempty"`

	// RedirectURL is set once verification succeeded and the caller supplied an
	// allowed redirect target. The client navigates to it.
	RedirectURL string `json:"redirectUrl,omitempty"`

	// ReturnURL is the allowed redirect target without any outcome attached.
	ReturnURL string `json:"returnUrl,omitempty"`
}
