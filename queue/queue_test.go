package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyjobs/job"
)

func descriptor(t *testing.T, region *job.Bounds) job.Descriptor {
	t.Helper()
	d, err := job.NewDescriptor(job.Descriptor{
		Prompt: "test",
		Region: region,
		Extent: job.Extent{Width: 1024, Height: 1024},
	})
	require.NoError(t, err)
	return d
}

func submit(t *testing.T, q *Queue, region *job.Bounds) *job.Job {
	t.Helper()
	j, err := q.Submit(descriptor(t, region))
	require.NoError(t, err)
	return j
}

func finish(t *testing.T, q *Queue, j *job.Job) {
	t.Helper()
	require.True(t, j.Apply(job.Event{Type: job.EventFinished}))
	_, err := q.Complete(j.ID())
	require.NoError(t, err)
}

func TestDisjointRegionsBothActive(t *testing.T) {
	q := New(0)
	a := submit(t, q, &job.Bounds{X: 0, Y: 0, Width: 100, Height: 100})
	b := submit(t, q, &job.Bounds{X: 200, Y: 200, Width: 100, Height: 100})

	admitted := q.Admit()
	require.Len(t, admitted, 2)
	assert.Equal(t, job.StatusActive, a.Status())
	assert.Equal(t, job.StatusActive, b.Status())
	assert.Len(t, q.Active(), 2)
}

func TestSameRegionWaitsForFirst(t *testing.T) {
	q := New(0)
	region := &job.Bounds{X: 0, Y: 0, Width: 100, Height: 100}
	first := submit(t, q, region)
	require.Len(t, q.Admit(), 1)

	second := submit(t, q, region)
	assert.Empty(t, q.Admit())
	assert.Equal(t, job.StatusQueued, second.Status())

	finish(t, q, first)
	admitted := q.Admit()
	require.Len(t, admitted, 1)
	assert.Equal(t, second.ID(), admitted[0].ID())
	assert.Equal(t, job.StatusActive, second.Status())
}

func TestWholeCanvasConflictsWithEverything(t *testing.T) {
	q := New(0)
	whole := submit(t, q, nil)
	q.Admit()
	region := submit(t, q, &job.Bounds{X: 10, Y: 10, Width: 5, Height: 5})
	assert.Empty(t, q.Admit())

	finish(t, q, whole)
	require.Len(t, q.Admit(), 1)
	assert.Equal(t, job.StatusActive, region.Status())
}

func TestWaitingJobBlocksLaterOverlap(t *testing.T) {
	q := New(0)
	left := &job.Bounds{X: 0, Y: 0, Width: 100, Height: 100}
	a := submit(t, q, left)
	q.Admit()

	// b waits behind a; c overlaps b but not a and must not overtake b.
	b := submit(t, q, &job.Bounds{X: 50, Y: 0, Width: 100, Height: 100})
	c := submit(t, q, &job.Bounds{X: 120, Y: 0, Width: 100, Height: 100})
	d := submit(t, q, &job.Bounds{X: 500, Y: 500, Width: 10, Height: 10})

	admitted := q.Admit()
	require.Len(t, admitted, 1)
	assert.Equal(t, d.ID(), admitted[0].ID())
	assert.Equal(t, job.StatusQueued, b.Status())
	assert.Equal(t, job.StatusQueued, c.Status())

	finish(t, q, a)
	admitted = q.Admit()
	require.Len(t, admitted, 1)
	assert.Equal(t, b.ID(), admitted[0].ID())
}

func TestCancelQueuedRemovesImmediately(t *testing.T) {
	q := New(0)
	region := &job.Bounds{Width: 10, Height: 10}
	submit(t, q, region)
	q.Admit()
	waiting := submit(t, q, region)

	j, prev, ok := q.Cancel(waiting.ID())
	require.True(t, ok)
	assert.Equal(t, job.StatusQueued, prev)
	assert.Equal(t, job.StatusCancelled, j.Status())
	assert.Nil(t, q.Get(waiting.ID()))
	assert.Equal(t, 1, q.Len())
}

func TestCancelActiveOnlyFlags(t *testing.T) {
	q := New(0)
	a := submit(t, q, nil)
	q.Admit()

	j, prev, ok := q.Cancel(a.ID())
	require.True(t, ok)
	assert.Equal(t, job.StatusActive, prev)
	assert.True(t, j.CancelRequested())
	assert.Equal(t, job.StatusActive, j.Status())
	assert.NotNil(t, q.Get(a.ID()))
}

func TestCancelUnknown(t *testing.T) {
	q := New(0)
	_, _, ok := q.Cancel("nope")
	assert.False(t, ok)
}

func TestCapacity(t *testing.T) {
	q := New(2)
	submit(t, q, nil)
	submit(t, q, nil)
	_, err := q.Submit(descriptor(t, nil))
	assert.ErrorIs(t, err, job.ErrCapacityExceeded)
}

func TestCompleteRequiresTerminal(t *testing.T) {
	q := New(0)
	a := submit(t, q, nil)
	_, err := q.Complete(a.ID())
	assert.Error(t, err)
	_, err = q.Complete("missing")
	assert.ErrorIs(t, err, job.ErrUnknownJob)
}

func TestFindByPrompt(t *testing.T) {
	q := New(0)
	a := submit(t, q, nil)
	a.SetPromptID("p-1")
	assert.Equal(t, a, q.FindByPrompt("p-1"))
	assert.Nil(t, q.FindByPrompt(""))
}

// Random submit/finish sequences never leave two overlapping jobs active.
func TestRandomSequencesKeepRegionExclusion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		q := New(0)
		for step := 0; step < 60; step++ {
			if rng.Intn(3) > 0 {
				var region *job.Bounds
				if rng.Intn(10) > 0 {
					region = &job.Bounds{
						X: rng.Intn(8) * 64, Y: rng.Intn(8) * 64,
						Width: 32 + rng.Intn(4)*64, Height: 32 + rng.Intn(4)*64,
					}
				}
				submit(t, q, region)
			} else if active := q.Active(); len(active) > 0 {
				j := q.Get(active[rng.Intn(len(active))].ID)
				finish(t, q, j)
			}
			q.Admit()

			active := q.Active()
			for i := range active {
				for k := i + 1; k < len(active); k++ {
					require.False(t,
						job.RegionsOverlap(active[i].Descriptor.Region, active[k].Descriptor.Region),
						"round %d step %d: %s and %s overlap", round, step, active[i].ID, active[k].ID)
				}
			}
		}
	}
}
