// Package stream transcodes cumulative engine snapshots into OpenAI
// chat.completion.chunk Server-Sent Events.
package stream

// Delta returns the text a cumulative snapshot adds after the first emitted
// bytes, and the new emitted length. A snapshot shorter than emitted yields
// no delta.
func Delta(emitted int, snapshot string) (string, int) {
	if emitted < 0 {
		emitted = 0
	}
	if len(snapshot) <= emitted {
		return "", emitted
	}
	return snapshot[emitted:], len(snapshot)
}
