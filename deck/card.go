package deck

import (
	"errors"
	"fmt"
	mathrand "math/rand"

	"google.golang.org/protobuf/types/known/structpb"

	"bringyour.com/statesync/statesync"
)

// playing card elements for the demo and tests.
// a card is an immutable value with a stable record encoding:
//   {"suit": <string>, "value": <number>}

var ErrMalformedCard = errors.New("malformed card record")

var Suits = []string{"clubs", "diamonds", "hearts", "spades"}

const CardsPerSuit = 13

type Card struct {
	Suit  string
	Value int
}

func (self Card) String() string {
	return fmt.Sprintf("%d-%s", self.Value, self.Suit)
}

func EncodeCard(card Card) (*structpb.Struct, error) {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"suit":  structpb.NewStringValue(card.Suit),
			"value": structpb.NewNumberValue(float64(card.Value)),
		},
	}, nil
}

func DecodeCard(record *structpb.Struct) (Card, error) {
	suitValue := record.GetFields()["suit"]
	if suitValue == nil {
		return Card{}, fmt.Errorf("%w: missing suit", ErrMalformedCard)
	}
	if _, ok := suitValue.GetKind().(*structpb.Value_StringValue); !ok {
		return Card{}, fmt.Errorf("%w: suit is not a string", ErrMalformedCard)
	}

	numberValue := record.GetFields()["value"]
	if numberValue == nil {
		return Card{}, fmt.Errorf("%w: missing value", ErrMalformedCard)
	}
	if _, ok := numberValue.GetKind().(*structpb.Value_NumberValue); !ok {
		return Card{}, fmt.Errorf("%w: value is not a number", ErrMalformedCard)
	}

	return Card{
		Suit:  suitValue.GetStringValue(),
		Value: int(numberValue.GetNumberValue()),
	}, nil
}

// all fields equal
func CardsEqual(a Card, b Card) bool {
	return a == b
}

func Codec() *statesync.ElementCodec[Card] {
	return &statesync.ElementCodec[Card]{
		Encode: EncodeCard,
		Decode: DecodeCard,
		Equal:  CardsEqual,
	}
}

// the standard 52 cards in suit then value order
func NewStandardDeck() []Card {
	cards := make([]Card, 0, len(Suits)*CardsPerSuit)
	for _, suit := range Suits {
		for value := 1; value <= CardsPerSuit; value += 1 {
			cards = append(cards, Card{
				Suit:  suit,
				Value: value,
			})
		}
	}
	return cards
}

func Shuffle(cards []Card) {
	mathrand.Shuffle(len(cards), func(i int, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
}
