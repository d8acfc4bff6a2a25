package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishFansOut(t *testing.T) {
	var b Bus
	var got1, got2 []string
	b.Subscribe(func(msg string) { got1 = append(got1, msg) })
	b.Subscribe(func(msg string) { got2 = append(got2, msg) })

	b.Publish("playing", "id42")
	b.Publish("scratched", "id42", "alice")

	want := []string{"playing id42", "scratched id42 alice"}
	assert.Equal(t, want, got1)
	assert.Equal(t, want, got2)
}

func TestPublishQuotesArguments(t *testing.T) {
	var b Bus
	var got string
	b.Subscribe(func(msg string) { got = msg })

	b.Publish("rights_changed", "read,play scratch-own")
	assert.Equal(t, `rights_changed "read,play scratch-own"`, got)
}

func TestRemoveDuringFanOut(t *testing.T) {
	var b Bus
	var sub *Subscription
	count := 0
	sub = b.Subscribe(func(msg string) {
		count++
		sub.Remove()
	})

	b.Publish("state", "pause")
	b.Publish("state", "resume")

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.Subscribers())
}

func TestDeadSubscriptionsCompacted(t *testing.T) {
	var b Bus
	s1 := b.Subscribe(func(string) {})
	b.Subscribe(func(string) {})
	s1.Remove()

	b.Publish("volume", "50", "50")
	assert.Equal(t, 1, b.Subscribers())
}
