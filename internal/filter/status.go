package filter

// HeadersStatus tells the proxy what to do after a headers callback.
type HeadersStatus int32

const (
	// HeadersStatusContinue lets the headers proceed down the chain.
	HeadersStatusContinue HeadersStatus = 0
	// HeadersStatusStopIteration holds the headers until a later callback
	// returns a continue status.
	HeadersStatusStopIteration HeadersStatus = 1
)

func (s HeadersStatus) String() string {
	switch s {
	case HeadersStatusContinue:
		return "Continue"
	case HeadersStatusStopIteration:
		return "StopIteration"
	}
	return "Unknown"
}

// DataStatus tells the proxy what to do after a body callback.
type DataStatus int32

const (
	// DataStatusContinue forwards the data.
	DataStatusContinue DataStatus = 0
	// DataStatusStopIterationAndBuffer holds the data and buffers what follows.
	DataStatusStopIterationAndBuffer DataStatus = 1
	// DataStatusStopIterationNoBuffer stops the data without buffering it.
	DataStatusStopIterationNoBuffer DataStatus = 3
)

func (s DataStatus) String() string {
	switch s {
	case DataStatusContinue:
		return "Continue"
	case DataStatusStopIterationAndBuffer:
		return "StopIterationAndBuffer"
	case DataStatusStopIterationNoBuffer:
		return "StopIterationNoBuffer"
	}
	return "Unknown"
}

// TrailersStatus tells the proxy what to do after a trailers callback.
type TrailersStatus int32

const (
	TrailersStatusContinue TrailersStatus = 0
)

func (s TrailersStatus) String() string {
	if s == TrailersStatusContinue {
		return "Continue"
	}
	return "Unknown"
}
