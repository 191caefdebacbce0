package deopt

import "fmt"

// Reason tells the runtime why optimized code bailed out.
type Reason byte

const (
	ReasonUnknown Reason = iota
	ReasonWrongMap
	ReasonNotASmi
	ReasonNotAHeapObject
	ReasonNotAString
	ReasonWrongInstanceType
	ReasonOverflow
	ReasonMinusZero
	ReasonDivisionByZero
	ReasonOutOfBounds
	ReasonLostPrecision
	ReasonNotANumber
	ReasonHole
	ReasonPrepareForOnStackReplacement
	ReasonInsufficientTypeFeedback
	reasonEnd
)

var reasonNames = [reasonEnd]string{
	ReasonUnknown:                      "Unknown",
	ReasonWrongMap:                     "WrongMap",
	ReasonNotASmi:                      "NotASmi",
	ReasonNotAHeapObject:               "NotAHeapObject",
	ReasonNotAString:                   "NotAString",
	ReasonWrongInstanceType:            "WrongInstanceType",
	ReasonOverflow:                     "Overflow",
	ReasonMinusZero:                    "MinusZero",
	ReasonDivisionByZero:               "DivisionByZero",
	ReasonOutOfBounds:                  "OutOfBounds",
	ReasonLostPrecision:                "LostPrecision",
	ReasonNotANumber:                   "NotANumber",
	ReasonHole:                         "Hole",
	ReasonPrepareForOnStackReplacement: "PrepareForOnStackReplacement",
	ReasonInsufficientTypeFeedback:     "InsufficientTypeFeedback",
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if r >= reasonEnd {
		return fmt.Sprintf("Reason(%d)", byte(r))
	}
	return reasonNames[r]
}

// FeedbackSource identifies the feedback slot whose speculation a deopt invalidates.
type FeedbackSource struct {
	Vector uint32
	Slot   int32
}

// IsValid returns true if the source points at a slot.
func (f FeedbackSource) IsValid() bool { return f.Slot >= 0 }

// NoFeedback is returned for deopts that are not tied to a feedback slot.
var NoFeedback = FeedbackSource{Slot: -1}
