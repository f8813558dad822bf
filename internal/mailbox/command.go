package mailbox

// Command is a request for the scheduler. The set of variants is closed:
// Start and Stop are the only implementations.
type Command interface {
	command()
	String() string
}

// Start asks for one flash-and-monitor run of the image at Image.
// The reference is not validated until the run executes.
type Start struct {
	Image string
}

// Stop discards any Start still waiting in the mailbox. It does not
// interrupt a run that is already executing.
type Stop struct{}

func (Start) command() {}
func (Stop) command()  {}

func (s Start) String() string { return "start " + s.Image }
func (Stop) String() string    { return "stop" }
