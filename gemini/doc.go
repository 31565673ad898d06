// Package gemini implements the dispatch.Attempter collaborator over
// Google's Gemini API. It owns one client per credential, builds the
// generation request (model, temperature, system instruction), extracts
// the response text, and translates SDK errors into the fault type the
// dispatch classifier understands, including the endpoint's retry-after
// hint for rate-limit responses.
package gemini
