package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestJob(id string) Job {
	return Job{
		ID:          id,
		Filename:    "input.mp4",
		Status:      StatusUploaded,
		SpeedFactor: 1.0,
		CreatedAt:   time.Now(),
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	registry := NewRegistry()

	id, err := registry.Create(newTestJob("job-1"))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("Create returned id %q, want job-1", id)
	}

	job, err := registry.Get("job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.Status != StatusUploaded {
		t.Fatalf("job status = %q, want %q", job.Status, StatusUploaded)
	}
}

func TestRegistryCreateRequiresID(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Create(Job{}); err == nil {
		t.Fatal("expected error for job without id")
	}
}

func TestRegistryCreateDuplicate(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Create(newTestJob("job-1")); err != nil {
		t.Fatalf("first Create returned error: %v", err)
	}
	_, err := registry.Create(newTestJob("job-1"))
	if err == nil {
		t.Fatal("expected error for duplicate job id")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeConflict {
		t.Fatalf("unexpected error for duplicate: %v", err)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get("missing")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeJobNotFound {
		t.Fatalf("unexpected error for missing job: %v", err)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	registry := NewRegistry()
	job := newTestJob("job-1")
	job.Transcription = []Segment{{Start: 0, End: 1, Text: "hello"}}
	if _, err := registry.Create(job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	first, err := registry.Get("job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	first.Transcription[0].Text = "mutated"
	first.Status = StatusError

	second, err := registry.Get("job-1")
	if err != nil {
		t.Fatalf("second Get returned error: %v", err)
	}
	if second.Transcription[0].Text != "hello" {
		t.Fatalf("stored transcription was mutated through a copy: %q", second.Transcription[0].Text)
	}
	if second.Status != StatusUploaded {
		t.Fatalf("stored status was mutated through a copy: %q", second.Status)
	}
}

func TestRegistryUpdateAppliesMutation(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Create(newTestJob("job-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	updated, err := registry.Update("job-1", func(j *Job) error {
		j.Status = StatusExtractingAudio
		j.Progress = 10
		return nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.Status != StatusExtractingAudio || updated.Progress != 10 {
		t.Fatalf("unexpected updated job: %+v", updated)
	}

	stored, err := registry.Get("job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Status != StatusExtractingAudio {
		t.Fatalf("update was not persisted, status = %q", stored.Status)
	}
}

func TestRegistryUpdateAbortsOnError(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Create(newTestJob("job-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	wantErr := errors.New("rejected")
	_, err := registry.Update("job-1", func(j *Job) error {
		j.Status = StatusError
		j.Progress = 99
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update error = %v, want %v", err, wantErr)
	}

	stored, err := registry.Get("job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Status != StatusUploaded || stored.Progress != 0 {
		t.Fatalf("aborted mutation leaked into the registry: %+v", stored)
	}
}

func TestRegistryUpdateKeepsIDImmutable(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Create(newTestJob("job-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	updated, err := registry.Update("job-1", func(j *Job) error {
		j.ID = "hijacked"
		return nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.ID != "job-1" {
		t.Fatalf("job id changed to %q", updated.ID)
	}
}

func TestRegistryList(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < 3; i++ {
		if _, err := registry.Create(newTestJob(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	listed := registry.List()
	if len(listed) != 3 {
		t.Fatalf("List returned %d jobs, want 3", len(listed))
	}
	for id, job := range listed {
		if job.ID != id {
			t.Fatalf("List key %q does not match job id %q", id, job.ID)
		}
	}
}

func TestRegistryConcurrentUpdates(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Create(newTestJob("job-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const writers = 16
	const iterations = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				_, err := registry.Update("job-1", func(job *Job) error {
					job.Progress++
					return nil
				})
				if err != nil {
					t.Errorf("Update returned error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	job, err := registry.Get("job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.Progress != writers*iterations {
		t.Fatalf("Progress = %d, want %d (lost updates)", job.Progress, writers*iterations)
	}
}
