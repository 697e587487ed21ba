package deck

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestCardRoundTrip(t *testing.T) {
	for _, card := range NewStandardDeck() {
		record, err := EncodeCard(card)
		assert.Equal(t, err, nil)
		decoded, err := DecodeCard(record)
		assert.Equal(t, err, nil)
		assert.Equal(t, true, CardsEqual(card, decoded))
	}
}

func TestDecodeCardMalformed(t *testing.T) {
	// missing suit
	_, err := DecodeCard(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"value": structpb.NewNumberValue(7),
		},
	})
	assert.Equal(t, true, errors.Is(err, ErrMalformedCard))

	// missing value
	_, err = DecodeCard(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"suit": structpb.NewStringValue("spades"),
		},
	})
	assert.Equal(t, true, errors.Is(err, ErrMalformedCard))

	// wrong kinds
	_, err = DecodeCard(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"suit":  structpb.NewNumberValue(4),
			"value": structpb.NewNumberValue(7),
		},
	})
	assert.Equal(t, true, errors.Is(err, ErrMalformedCard))

	_, err = DecodeCard(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"suit":  structpb.NewStringValue("spades"),
			"value": structpb.NewStringValue("seven"),
		},
	})
	assert.Equal(t, true, errors.Is(err, ErrMalformedCard))
}

func TestNewStandardDeck(t *testing.T) {
	cards := NewStandardDeck()
	assert.Equal(t, 52, len(cards))

	unique := map[Card]bool{}
	for _, card := range cards {
		unique[card] = true
	}
	assert.Equal(t, 52, len(unique))
}

func TestShuffleKeepsContents(t *testing.T) {
	cards := NewStandardDeck()
	Shuffle(cards)
	assert.Equal(t, 52, len(cards))

	unique := map[Card]bool{}
	for _, card := range cards {
		unique[card] = true
	}
	assert.Equal(t, 52, len(unique))
}
