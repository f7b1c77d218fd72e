package filter

import "github.com/tkingovr/wafguard/api"

// The decision functions map (intervened, side done, engine state) to a
// proxy signal. The request side stops once intervened so nothing reaches
// the upstream; the response side continues so the local reply can flow
// back to the client.

func requestHeadersDecision(intervened, done bool, state api.RuleEngineState) HeadersStatus {
	switch {
	case intervened:
		return HeadersStatusStopIteration
	case done:
		return HeadersStatusContinue
	case state == api.RuleEngineOn:
		return HeadersStatusStopIteration
	}
	return HeadersStatusContinue
}

func requestDataDecision(intervened, done bool, state api.RuleEngineState) DataStatus {
	switch {
	case intervened:
		return DataStatusStopIterationNoBuffer
	case done:
		return DataStatusContinue
	case state == api.RuleEngineOn:
		return DataStatusStopIterationAndBuffer
	}
	return DataStatusContinue
}

func responseHeadersDecision(intervened, done bool, state api.RuleEngineState) HeadersStatus {
	if intervened || done || state != api.RuleEngineOn {
		return HeadersStatusContinue
	}
	return HeadersStatusStopIteration
}

func responseDataDecision(intervened, done bool, state api.RuleEngineState) DataStatus {
	if intervened || done || state != api.RuleEngineOn {
		return DataStatusContinue
	}
	return DataStatusStopIterationAndBuffer
}
