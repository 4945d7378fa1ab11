package apierror

// OpenAIError is the wire shape OpenAI clients expect for failures.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody is the inner error object.
type OpenAIErrorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// ToOpenAI renders the error in the OpenAI error body format.
func (e *Error) ToOpenAI() OpenAIError {
	return OpenAIError{
		Error: OpenAIErrorBody{
			Message: e.Message,
			Type:    e.OpenAIType(),
		},
	}
}
