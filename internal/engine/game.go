// Package engine implements the Prší card game state machine: dealing,
// legal-move validation, and turn advancement. It is deliberately free of
// any I/O or protocol concern — callers in internal/room translate its
// return values into wire events.
//
// Grounded on original_source/server_src/game.c, function for function:
// Init/Deal/PickStartTop/Play/Draw mirror init/deal/pick_start_top/play/
// draw, and the validation order inside Play mirrors is_play_legal
// exactly, including the order in which error codes are chosen.
package engine

import (
	"math/rand"

	"prsi-server/internal/cards"
	"prsi-server/internal/gameerr"
)

// Game is the full mutable state of one room's card game.
type Game struct {
	Deck         []cards.Card
	Discard      []cards.Card
	Hands        [][]cards.Card
	TopCard      cards.Card
	ActiveSuit   byte
	Penalty      int
	TurnPos      int
	PlayerCount  int
	Running      bool
	Ended        bool
	WinnerPos    int

	// rng is a single generator instance carried for the life of the
	// game and reused for every shuffle, including discard-pile
	// refills. The original reseeds math/rand's global source on every
	// refill (srand((unsigned int)rand())), which spec-level review
	// flagged as non-reproducible; carrying one *rand.Rand here makes a
	// full game, refills included, reproducible from its initial seed.
	rng *rand.Rand
}

// PlayOutcome reports the side effects of a successful Play call.
type PlayOutcome struct {
	AddedPenalty int
	SkipNext     bool
	Ended        bool
	WinnerPos    int
}

// DrawOutcome reports the cards a Draw call actually collected. It may be
// fewer than requested if the deck and discard pile together ran dry —
// draw is best-effort, per draw_one's refill policy.
type DrawOutcome struct {
	Cards []cards.Card
}

// Init fills the deck with 0..31, shuffles it with a generator seeded
// from seed, and marks the game running. It does not deal.
func Init(playerCount int, seed int64) *Game {
	g := &Game{
		PlayerCount: playerCount,
		Hands:       make([][]cards.Card, playerCount),
		rng:         rand.New(rand.NewSource(seed)),
		Running:     true,
	}
	g.Deck = cards.NewDeck()
	cards.Shuffle(g.Deck, g.rng)
	return g
}

// Deal pops cardsEach cards from the top of the deck into each player's
// hand, in player order, stopping early if the deck runs out.
func (g *Game) Deal(cardsEach int) {
	for p := 0; p < g.PlayerCount; p++ {
		for n := 0; n < cardsEach; n++ {
			c, ok := g.drawOne()
			if !ok {
				return
			}
			g.Hands[p] = append(g.Hands[p], c)
		}
	}
}

// PickStartTop draws from the deck until a card is found whose rank is
// not one of Q, 7, A, and makes it the top card with the active suit set
// to its own suit. Every skipped card is placed on the discard pile
// beneath the chosen top, so the game never starts with a pending
// penalty, wish, or skip.
func (g *Game) PickStartTop() {
	for {
		c, ok := g.drawOne()
		if !ok {
			// Deck and discard both exhausted; nothing sensible to
			// do, leave state as-is rather than loop forever.
			return
		}
		if rank := c.Rank(); rank == 'Q' || rank == '7' || rank == 'A' {
			g.Discard = append(g.Discard, c)
			continue
		}
		g.Discard = append(g.Discard, c)
		g.TopCard = c
		g.ActiveSuit = c.Suit()
		return
	}
}

// drawOne implements draw_one: pop the top of the deck, or, if the deck
// is empty, reshuffle everything but the top discard card into a fresh
// deck and retry. Returns ok=false only when the discard pile has at
// most one card (nothing left to reshuffle).
func (g *Game) drawOne() (cards.Card, bool) {
	if len(g.Deck) == 0 {
		if len(g.Discard) <= 1 {
			return 0, false
		}
		kept := g.Discard[len(g.Discard)-1]
		refill := append([]cards.Card(nil), g.Discard[:len(g.Discard)-1]...)
		cards.Shuffle(refill, g.rng)
		g.Deck = refill
		g.Discard = []cards.Card{kept}
	}
	top := len(g.Deck) - 1
	c := g.Deck[top]
	g.Deck = g.Deck[:top]
	return c, true
}

func handHas(hand []cards.Card, c cards.Card) bool {
	for _, h := range hand {
		if h == c {
			return true
		}
	}
	return false
}

// handRemove removes c from hand via swap-with-last, matching
// hand_remove in the original — order within a hand is not part of any
// observable contract.
func handRemove(hand []cards.Card, c cards.Card) []cards.Card {
	for i, h := range hand {
		if h == c {
			last := len(hand) - 1
			hand[i] = hand[last]
			return hand[:last]
		}
	}
	return hand
}

func (g *Game) advanceTurn(skip bool) {
	g.TurnPos = (g.TurnPos + 1) % g.PlayerCount
	if skip {
		g.TurnPos = (g.TurnPos + 1) % g.PlayerCount
	}
}

// Play applies one move by player ppos. wish is only consulted when card
// is a Queen; pass 0 when there is no wish. The validation order below
// is load-bearing: it is part of the wire contract (which error a given
// malformed request receives), not an implementation detail.
func (g *Game) Play(ppos int, card cards.Card, wish byte) (PlayOutcome, error) {
	var out PlayOutcome

	if !g.Running || g.Ended {
		return out, gameerr.New(gameerr.BadState, "rejected")
	}
	if ppos != g.TurnPos {
		return out, gameerr.New(gameerr.NotYourTurn, "rejected")
	}
	if !handHas(g.Hands[ppos], card) {
		return out, gameerr.New(gameerr.NoSuchCard, "rejected")
	}
	if g.Penalty > 0 && card.Rank() != '7' {
		return out, gameerr.New(gameerr.MustStackOrDraw, "rejected")
	}

	var effectiveSuit byte
	if card.Rank() == 'Q' {
		if wish == 0 {
			return out, gameerr.New(gameerr.WishRequired, "rejected")
		}
		if !cards.IsSuitLetter(wish) {
			return out, gameerr.New(gameerr.BadWish, "rejected")
		}
		effectiveSuit = wish
	} else {
		if card.Suit() != g.ActiveSuit && card.Rank() != g.TopCard.Rank() {
			return out, gameerr.New(gameerr.IllegalCard, "rejected")
		}
		effectiveSuit = card.Suit()
	}

	g.Hands[ppos] = handRemove(g.Hands[ppos], card)
	g.Discard = append(g.Discard, card)
	g.TopCard = card
	g.ActiveSuit = effectiveSuit

	if card.Rank() == '7' {
		g.Penalty += 2
		out.AddedPenalty = 2
	}
	skip := card.Rank() == 'A'
	out.SkipNext = skip

	if len(g.Hands[ppos]) == 0 {
		g.Ended = true
		g.WinnerPos = ppos
		out.Ended = true
		out.WinnerPos = ppos
		return out, nil
	}

	g.advanceTurn(skip)
	return out, nil
}

// Draw collects the player's penalty draw (or a single card if no
// penalty is pending), unconditionally clears the penalty, and advances
// the turn without a skip — a player who draws never also plays on the
// same turn, and drawing never triggers an Ace-style skip even if the
// last card drawn happens to be an Ace.
func (g *Game) Draw(ppos int) (DrawOutcome, error) {
	var out DrawOutcome

	if !g.Running || g.Ended {
		return out, gameerr.New(gameerr.BadState, "rejected")
	}
	if ppos != g.TurnPos {
		return out, gameerr.New(gameerr.NotYourTurn, "rejected")
	}

	n := g.Penalty
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		c, ok := g.drawOne()
		if !ok {
			break
		}
		g.Hands[ppos] = append(g.Hands[ppos], c)
		out.Cards = append(out.Cards, c)
	}
	g.Penalty = 0
	g.advanceTurn(false)
	return out, nil
}
