// Package idgen generates the phonetic room identifiers used as Room.roomId
// (spec.md §3): alternating consonants and vowels, easy to read aloud and
// to type into a URL.
package idgen

import "math/rand/v2"

const (
	vowels     = "aeiou"
	consonants = "bcdfghjklmnpqrstvwxyz"

	// DefaultRoomNameLength is the default length of a generated room id
	// (spec.md §6.4 roomNameLength).
	DefaultRoomNameLength = 14
)

// PhoneticName returns a random string of the given length, alternating
// between consonants and vowels. The starting class (consonant or vowel) is
// itself randomized so that ids don't all share a syllable shape.
func PhoneticName(length int) string {
	out := make([]byte, length)
	startWithConsonant := rand.IntN(2) == 0
	for i := range out {
		useConsonant := (i%2 == 0) == startWithConsonant
		if useConsonant {
			out[i] = consonants[rand.IntN(len(consonants))]
		} else {
			out[i] = vowels[rand.IntN(len(vowels))]
		}
	}
	return string(out)
}
