package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/krishkalaria12/mesh-serve/conversion"
	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var tinyJPEG = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestStartSubmitsJob(t *testing.T) {
	client := &fakeClient{submitID: "t-123"}
	orch, _, blobs := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "my bike", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	assert.Equal(t, "t-123", job.ExternalTaskID)
	assert.Equal(t, "my bike", job.Name)
	assert.Equal(t, storage.ImageKey(1, job.ID), job.SourceRef)

	stored, err := blobs.Get(ctx, job.SourceRef)
	require.NoError(t, err)
	assert.Equal(t, tinyJPEG, stored)
}

func TestStartSubmissionFailureKeepsImage(t *testing.T) {
	client := &fakeClient{submitErr: &conversion.SubmissionError{StatusCode: 500, Message: "timeout"}}
	orch, _, blobs := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusSubmissionFailed, job.Status)
	assert.Empty(t, job.ExternalTaskID)
	assert.Contains(t, job.FailureReason, "timeout")

	// The source image is not rolled back.
	ok, err := blobs.Exists(ctx, storage.ImageKey(1, job.ID))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartRejectsEmptyImage(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeClient{submitID: "t"})

	_, err := orch.Start(context.Background(), 1, "", nil, "image/jpeg")

	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRefreshProcessingPollsEveryTime(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateProcessing, Progress: 40}, nil
		},
	}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	assert.Equal(t, 40, job.Progress)

	// Processing results are not cached; a second refresh polls again.
	_, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	_, polls, _ := client.counts()
	assert.Equal(t, 2, polls)
}

func TestRefreshSucceededStoresArtifact(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateSucceeded, ArtifactURL: "https://x/model.glb"}, nil
		},
		fetchData: []byte("glb-bytes"),
	}
	orch, _, blobs := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)

	wantRef := storage.ModelKey(1, job.ID)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, wantRef, job.ResultRef)
	assert.Equal(t, 100, job.Progress)

	data, err := blobs.Get(ctx, wantRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("glb-bytes"), data)
}

func TestRefreshTerminalJobSkipsExternalCalls(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateSucceeded, ArtifactURL: "https://x/model.glb"}, nil
		},
		fetchData: []byte("glb"),
	}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	first, err := orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSucceeded, first.Status)
	_, pollsAfterFirst, fetchesAfterFirst := client.counts()

	second, err := orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)

	_, polls, fetches := client.counts()
	assert.Equal(t, pollsAfterFirst, polls, "terminal refresh must not poll")
	assert.Equal(t, fetchesAfterFirst, fetches, "terminal refresh must not download")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ResultRef, second.ResultRef)
}

func TestRefreshFailedNoArtifact(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateFailed, Reason: "mesh error"}, nil
		},
	}
	orch, _, blobs := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "mesh error", job.FailureReason)
	assert.Empty(t, job.ResultRef)

	ok, err := blobs.Exists(ctx, storage.ModelKey(1, job.ID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshCanceledBecomesFailed(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateCanceled, Reason: "canceled by provider"}, nil
		},
	}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestRefreshTransientErrorLeavesSubmitted(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{}, &conversion.PollError{Transient: true, Message: "rate limited"}
		},
	}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	// The call still returns the best-known state, no error.
	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, job.Status)
}

func TestRefreshPermanentErrorFailsJob(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{}, &conversion.PollError{StatusCode: 404, Message: "no such task"}
		},
	}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.FailureReason, "no such task")
}

func TestRefreshAtMostOnceDownload(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateSucceeded, ArtifactURL: "https://x/model.glb"}, nil
		},
		fetchData: []byte("glb"),
	}
	orch, _, blobs := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	// Simulate an earlier attempt that stored the model but never committed
	// the status: the artifact is already at the expected ref.
	wantRef := storage.ModelKey(1, job.ID)
	require.NoError(t, blobs.Put(ctx, wantRef, []byte("already-there"), "model/gltf-binary"))

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)

	_, _, fetches := client.counts()
	assert.Equal(t, 0, fetches, "existing artifact must not be re-downloaded")
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, wantRef, job.ResultRef)

	data, err := blobs.Get(ctx, wantRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("already-there"), data)
}

func TestRefreshTransientDownloadRetriesLater(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateSucceeded, ArtifactURL: "https://x/model.glb"}, nil
		},
		fetchErr: &conversion.DownloadError{Transient: true, Message: "connection reset"},
	}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, job.Status, "job stays submitted for a later retry")
	assert.Empty(t, job.ResultRef)
}

func TestRefreshStaleJobForcedToFailed(t *testing.T) {
	client := &fakeClient{
		submitID: "t-1",
		pollFn: func(string) (conversion.PollResult, error) {
			return conversion.PollResult{State: conversion.StateProcessing}, nil
		},
	}
	orch, _, _ := newTestOrchestrator(t, client, WithStaleAfter(time.Nanosecond))
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	job, err = orch.Refresh(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.FailureReason, "timed out")

	// The provider was never polled for a job past the cutoff.
	_, polls, _ := client.counts()
	assert.Equal(t, 0, polls)
}

func TestRefreshOwnership(t *testing.T) {
	client := &fakeClient{submitID: "t-1"}
	orch, _, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
	require.NoError(t, err)

	_, err = orch.Refresh(ctx, job.ID, 2)
	assert.ErrorIs(t, err, ErrForbidden)
}

// TestResultRefInvariant drives a job through random poll outcomes and checks
// after every step that a result ref is recorded exactly when the job is
// succeeded.
func TestResultRefInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcome := conversion.PollResult{State: conversion.StateProcessing}
		var pollErr error

		client := &fakeClient{
			submitID:  "t-prop",
			fetchData: []byte("glb"),
			pollFn: func(string) (conversion.PollResult, error) {
				return outcome, pollErr
			},
		}
		orch, store, _ := newTestOrchestrator(t, client)
		ctx := context.Background()

		job, err := orch.Start(ctx, 1, "", tinyJPEG, "image/jpeg")
		if err != nil {
			rt.Fatalf("start: %v", err)
		}

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			kind := rapid.SampledFrom([]string{
				"processing", "succeeded", "failed", "canceled", "transient", "permanent",
			}).Draw(rt, "outcome")

			pollErr = nil
			switch kind {
			case "processing":
				outcome = conversion.PollResult{State: conversion.StateProcessing, Progress: rapid.IntRange(0, 99).Draw(rt, "progress")}
			case "succeeded":
				outcome = conversion.PollResult{State: conversion.StateSucceeded, ArtifactURL: "https://x/m.glb"}
			case "failed":
				outcome = conversion.PollResult{State: conversion.StateFailed, Reason: "boom"}
			case "canceled":
				outcome = conversion.PollResult{State: conversion.StateCanceled, Reason: "canceled"}
			case "transient":
				pollErr = &conversion.PollError{Transient: true, Message: "flaky"}
			case "permanent":
				pollErr = &conversion.PollError{StatusCode: 410, Message: "gone"}
			}

			if _, err := orch.Refresh(ctx, job.ID, 1); err != nil {
				rt.Fatalf("refresh: %v", err)
			}

			fresh, err := store.GetAny(ctx, job.ID)
			if err != nil {
				rt.Fatalf("reload: %v", err)
			}

			succeeded := fresh.Status == models.JobStatusSucceeded
			hasRef := fresh.ResultRef != ""
			if succeeded != hasRef {
				rt.Fatalf("invariant violated: status=%s result_ref=%q", fresh.Status, fresh.ResultRef)
			}
		}
	})
}
