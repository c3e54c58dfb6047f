package database

import (
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestResolveOrCreate(t *testing.T) {
	errBoom := errors.New("boom")
	uniqueErr := &pq.Error{Code: pgUniqueViolation, Constraint: "conversations_pair_unique"}

	tcases := []struct {
		name        string
		finds       []error
		createErr   error
		want        string
		err         error
		wantCreates int
	}{
		{
			name:  "existing record",
			finds: []error{nil},
			want:  "found",
		},
		{
			name:        "missing record is created",
			finds:       []error{ErrNotFound},
			want:        "created",
			wantCreates: 1,
		},
		{
			name:        "lost race refetches winner",
			finds:       []error{ErrNotFound, nil},
			createErr:   uniqueErr,
			want:        "found",
			wantCreates: 1,
		},
		{
			name:  "lookup failure is returned",
			finds: []error{errBoom},
			err:   errBoom,
		},
		{
			name:        "create failure is returned",
			finds:       []error{ErrNotFound},
			createErr:   errBoom,
			err:         errBoom,
			wantCreates: 1,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var findCalls, createCalls int
			find := func() (string, error) {
				err := tc.finds[findCalls]
				findCalls++
				if err != nil {
					return "", err
				}
				return "found", nil
			}
			create := func() (string, error) {
				createCalls++
				if tc.createErr != nil {
					return "", tc.createErr
				}
				return "created", nil
			}

			got, err := resolveOrCreate(find, create)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
			assert.Equal(t, tc.wantCreates, createCalls)
			assert.Equal(t, len(tc.finds), findCalls)
		})
	}
}

func TestPgErrorCode(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &pq.Error{Code: pgForeignKeyViolation})

	assert.Equal(t, pgForeignKeyViolation, pgErrorCode(wrapped))
	assert.Equal(t, "", pgErrorCode(errors.New("plain")))
	assert.True(t, isUniqueViolation(&pq.Error{Code: pgUniqueViolation}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: pgCheckViolation}))
}

func TestNormalizePage(t *testing.T) {
	tcases := []struct {
		name      string
		limit     int
		offset    int
		wantLimit int
		err       error
	}{
		{name: "default", limit: 0, wantLimit: DefaultPageLimit},
		{name: "explicit", limit: 10, offset: 5, wantLimit: 10},
		{name: "capped", limit: MaxPageLimit + 1, wantLimit: MaxPageLimit},
		{name: "negative limit", limit: -1, err: ErrInvalid},
		{name: "negative offset", offset: -1, err: ErrInvalid},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			limit, offset, err := NormalizePage(tc.limit, tc.offset)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.wantLimit, limit)
			assert.Equal(t, tc.offset, offset)
		})
	}
}

func TestNewReadReceipt(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	receipt := newReadReceipt("c1", "m1", at, []string{"u2", "u1", "u2"})

	assert.Equal(t, 3, receipt.Updated)
	assert.Equal(t, []string{"u1", "u2"}, receipt.SenderIds, "expected distinct sorted senders")
	assert.Equal(t, at, receipt.ReadAt)

	empty := newReadReceipt("c1", "m1", at, nil)
	assert.Equal(t, 0, empty.Updated)
	assert.Empty(t, empty.SenderIds)
}
