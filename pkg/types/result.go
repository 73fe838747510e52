package types

// FunctionResult describes the outcome of a remote method invocation. It is
// embedded in the result envelope under __functionResult.
type FunctionResult struct {
	MethodName string `json:"methodName"`
	IsAsync    bool   `json:"isAsync"`
	IsLoading  bool   `json:"isLoading"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ResultEnvelope is the dispatch engine's reply to a method_call. State holds
// the component's serialized public fields; Fingerprint is the opaque token
// the client must echo on its next hydration attempt. RequiresRefresh tells
// the client its snapshot is gone and it must resend full state rather than
// retry as-is.
type ResultEnvelope struct {
	ComponentID     string          `json:"componentId"`
	State           map[string]any  `json:"state"`
	FunctionResult  *FunctionResult `json:"__functionResult,omitempty"`
	Fingerprint     string          `json:"__fingerprint,omitempty"`
	RequiresRefresh bool            `json:"requiresRefresh,omitempty"`
}
