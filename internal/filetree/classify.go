package filetree

import (
	"slices"

	"github.com/fruitsalade/treesync/pkg/models"
)

// MovePair is a Deleted record paired with an Added record of the same name.
type MovePair struct {
	Source models.FileChange
	Target models.FileChange
}

// Classification splits a raw batch into moves and everything else.
type Classification struct {
	Moves []MovePair
	// Rest holds the updates followed by the unpaired adds and deletes.
	Rest []models.FileChange
}

// Added returns the unpaired Added records.
func (c Classification) Added() []models.FileChange { return c.ofType(models.ChangeAdded) }

// Deleted returns the unpaired Deleted records.
func (c Classification) Deleted() []models.FileChange { return c.ofType(models.ChangeDeleted) }

// Updated returns the Updated records.
func (c Classification) Updated() []models.FileChange { return c.ofType(models.ChangeUpdated) }

func (c Classification) ofType(t models.ChangeType) []models.FileChange {
	var out []models.FileChange
	for _, ch := range c.Rest {
		if ch.Type == t {
			out = append(out, ch)
		}
	}
	return out
}

// Classify pairs deletes and adds that share a display name into moves.
// A delete followed by an add of an unrelated file with the same name is
// indistinguishable from a move and is reported as one.
func Classify(changes []models.FileChange) Classification {
	var (
		result   Classification
		work     []models.FileChange
		unpaired []models.FileChange
	)
	for _, ch := range changes {
		if ch.Type == models.ChangeUpdated {
			result.Rest = append(result.Rest, ch)
			continue
		}
		work = append(work, ch)
	}

	for len(work) > 0 {
		change := work[0]
		work = work[1:]

		want := models.ChangeAdded
		if change.Type == models.ChangeAdded {
			want = models.ChangeDeleted
		}
		name := change.URI.DisplayName()
		idx := slices.IndexFunc(work, func(c models.FileChange) bool {
			return c.Type == want && c.URI.DisplayName() == name
		})
		if idx < 0 {
			unpaired = append(unpaired, change)
			continue
		}
		other := work[idx]
		work = slices.Delete(slices.Clone(work), idx, idx+1)

		if change.Type == models.ChangeDeleted {
			result.Moves = append(result.Moves, MovePair{Source: change, Target: other})
		} else {
			result.Moves = append(result.Moves, MovePair{Source: other, Target: change})
		}
	}
	result.Rest = append(result.Rest, unpaired...)
	return result
}
