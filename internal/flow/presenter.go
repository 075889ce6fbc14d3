package flow

// Input is a text field owned by the presentation layer.
type Input interface {
	Name() string
	Value() string
}

// Presenter is the presentation surface the dialog drives. Every callback
// it invokes must run on the event loop.
type Presenter interface {
	// Render starts showing text and calls onComplete when it is fully shown.
	Render(text string, onComplete func())
	IsRendering() bool
	// CompleteRender skips the remainder of the current render.
	CompleteRender()
	SetForwardEnabled(enabled bool)
	SetBackwardEnabled(enabled bool)
	ShowInput(in Input)
	HideInput(in Input)
	NewInput(name, placeholder string) (Input, error)
	// Fault signals that the assistant stopped on an unrecoverable error.
	Fault()
}
