package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHopPolicy_Sequences(t *testing.T) {
	assert.Equal(t, []Tuning{{6, Band24}}, LockPolicy{Channel: 6}.Sequence())
	assert.Equal(t, []Tuning{{1, Band24}, {6, Band24}, {36, Band5}}, ListPolicy{Channels: []int{1, 6, 36}}.Sequence())
	assert.Equal(t,
		[]Tuning{{1, Band24}, {6, Band24}, {36, Band5}, {1, Band6}},
		AllPolicy{Ch24: []int{1, 6}, Ch5: []int{36}, Ch6: []int{1}}.Sequence())
}

func TestTuning_SixGHzKeepsItsBand(t *testing.T) {
	six := Tuning{Channel: 1, Band: Band6}
	assert.Equal(t, 5955, six.Frequency())
	assert.Equal(t, 2412, Tune(1).Frequency())
	assert.Equal(t, "1@6", six.String())
	assert.Equal(t, "list[1 6 233@6]", PolicyString(ListPolicy{Channels: []int{1, 6, 233}}))
	assert.Equal(t, "all[11 1@6]", PolicyString(AllPolicy{Ch24: []int{11}, Ch6: []int{1}}))
}

func TestHopPolicy_Equal(t *testing.T) {
	assert.True(t, LockPolicy{Channel: 6}.Equal(LockPolicy{Channel: 6}))
	assert.False(t, LockPolicy{Channel: 6}.Equal(ListPolicy{Channels: []int{6}}))
	assert.False(t, ListPolicy{Channels: []int{1, 6}}.Equal(ListPolicy{Channels: []int{6, 1}}))
	assert.True(t, AllPolicy{Ch24: []int{1}}.Equal(AllPolicy{Ch24: []int{1}}))
}

func TestHopPolicy_SequenceIsACopy(t *testing.T) {
	p := ListPolicy{Channels: []int{1, 6, 11}}
	seq := p.Sequence()
	seq[0].Channel = 99
	assert.Equal(t, 1, p.Channels[0])
}
