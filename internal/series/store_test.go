package series

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
)

func sessionKey(t *testing.T) keys.SessionKey {
	t.Helper()
	k, err := keys.ParseSession(
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		"f0e0d0c0b0a090807060504030201000",
	)
	require.NoError(t, err)
	return k
}

func record(t *testing.T, k keys.SessionKey, ts string, v [4]int64, opts ...codec.Option) ledger.Record {
	t.Helper()
	at, err := price.ParseTimestamp(ts)
	require.NoError(t, err)
	ct, err := codec.New(k.Material, opts...).Encrypt(price.Sample{Time: at, Values: v}.Plaintext())
	require.NoError(t, err)
	return ledger.Record{Timestamp: ts, Ciphertext: ct}
}

func seqOf(recs ...ledger.Record) iter.Seq2[ledger.Record, error] {
	return func(yield func(ledger.Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func TestMerge_DecryptsInFieldOrder(t *testing.T) {
	k := sessionKey(t)
	s := NewStore(nil)

	rep, err := s.Merge(seqOf(
		record(t, k, "2025-01-01 10:00:00", [4]int64{1020000, 950000, 78000000, 880000000}),
		record(t, k, "2025-01-01 10:30:00", [4]int64{1030000, 951000, 78100000, 881000000}),
	), k)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Added)

	usdt, err := s.Series("usdt")
	require.NoError(t, err)
	assert.Equal(t, []Point{{"2025-01-01 10:00:00", 1020000}, {"2025-01-01 10:30:00", 1030000}}, usdt)

	gold, err := s.Series("gold")
	require.NoError(t, err)
	assert.Equal(t, int64(78100000), gold[1].Value)

	coin, err := s.Series("coin")
	require.NoError(t, err)
	assert.Equal(t, int64(880000000), coin[0].Value)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(951000), latest.Get(price.USD))
}

func TestMerge_IsIdempotent(t *testing.T) {
	k := sessionKey(t)
	recs := seqOf(
		record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4}),
		record(t, k, "2025-01-01 10:30:00", [4]int64{5, 6, 7, 8}),
		record(t, k, "2025-01-01 11:00:00", [4]int64{9, 10, 11, 12}),
	)

	once := NewStore(nil)
	_, err := once.Merge(recs, k)
	require.NoError(t, err)

	twice := NewStore(nil)
	_, err = twice.Merge(recs, k)
	require.NoError(t, err)
	rep, err := twice.Merge(recs, k)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Added)
	assert.Equal(t, 3, rep.Duplicates)
	assert.Equal(t, once.Times(), twice.Times())
	for _, f := range price.Fields {
		a, _ := once.Series(f.String())
		b, _ := twice.Series(f.String())
		assert.Equal(t, a, b, f.String())
	}
}

func TestMerge_DuplicateInsideOneLedger(t *testing.T) {
	k := sessionKey(t)
	s := NewStore(nil)
	rep, err := s.Merge(seqOf(
		record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4}),
		record(t, k, "2025-01-01 10:00:00", [4]int64{9, 9, 9, 9}),
	), k)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 1, rep.Duplicates)

	usd, _ := s.Series("usd")
	assert.Equal(t, int64(2), usd[0].Value, "first occurrence wins")
}

func TestMerge_PartialCorruption(t *testing.T) {
	k := sessionKey(t)
	path := filepath.Join(t.TempDir(), "Prices.csv")
	l := ledger.New(path, path+".hash", nil)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4})))
	require.NoError(t, l.Append(ctx, record(t, k, "2025-01-01 10:30:00", [4]int64{5, 6, 7, 8})))
	require.NoError(t, l.Append(ctx, ledger.Record{Timestamp: "2025-01-01 10:45:00", Ciphertext: "%%%not-base64%%%"}))
	require.NoError(t, l.Append(ctx, record(t, k, "2025-01-01 11:00:00", [4]int64{9, 10, 11, 12})))

	s := NewStore(nil)
	rep, err := s.Merge(l.Records(), k)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Added)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "2025-01-01 10:45:00", rep.Failed[0].Timestamp)
	assert.ErrorIs(t, rep.Failed[0].Err, codec.ErrCrypto)
	assert.Equal(t, 3, s.Len())
}

func TestMerge_BadPlaintextAndTimestamp(t *testing.T) {
	k := sessionKey(t)
	c := codec.New(k.Material)
	notFour, err := c.Encrypt("1,2,3")
	require.NoError(t, err)

	s := NewStore(nil)
	rep, err := s.Merge(seqOf(
		ledger.Record{Timestamp: "2025-01-01 10:00:00", Ciphertext: notFour},
		record(t, k, "2025-01-01 10:30:00", [4]int64{1, 2, 3, 4}),
		ledger.Record{Timestamp: "yesterday", Ciphertext: notFour},
	), k)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
	require.Len(t, rep.Failed, 2)
	assert.ErrorIs(t, rep.Failed[0].Err, price.ErrPlaintext)
	assert.ErrorIs(t, rep.Failed[1].Err, ledger.ErrMalformedLine)
}

func TestMerge_LineErrorsAreSkipped(t *testing.T) {
	k := sessionKey(t)
	seq := func(yield func(ledger.Record, error) bool) {
		if !yield(ledger.Record{}, &ledger.LineError{Line: 1, Text: "junk"}) {
			return
		}
		yield(record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4}), nil)
	}

	s := NewStore(nil)
	rep, err := s.Merge(seq, k)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, 1, rep.Failed[0].Line)
}

func TestMerge_IOErrorAborts(t *testing.T) {
	k := sessionKey(t)
	boom := errors.New("disk gone")
	seq := func(yield func(ledger.Record, error) bool) {
		if !yield(record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4}), nil) {
			return
		}
		if !yield(ledger.Record{}, boom) {
			return
		}
		yield(record(t, k, "2025-01-01 11:00:00", [4]int64{1, 2, 3, 4}), nil)
	}

	s := NewStore(nil)
	rep, err := s.Merge(seq, k)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 1, s.Len())
}

func TestMerge_KeepsTimeOrder(t *testing.T) {
	k := sessionKey(t)
	s := NewStore(nil)
	_, err := s.Merge(seqOf(
		record(t, k, "2025-01-01 12:00:00", [4]int64{3, 0, 0, 0}),
		record(t, k, "2025-01-01 10:00:00", [4]int64{1, 0, 0, 0}),
		record(t, k, "2025-01-01 11:00:00", [4]int64{2, 0, 0, 0}),
	), k)
	require.NoError(t, err)

	assert.Equal(t, []string{"2025-01-01 10:00:00", "2025-01-01 11:00:00", "2025-01-01 12:00:00"}, s.Times())
}

func TestMerge_RandomIVMode(t *testing.T) {
	k := sessionKey(t)
	s := NewStore(nil)
	rep, err := s.Merge(seqOf(
		record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4}, codec.WithRandomIV()),
	), k, codec.WithRandomIV())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
}

func TestSeries_UnknownName(t *testing.T) {
	_, err := NewStore(nil).Series("btc")
	assert.ErrorIs(t, err, ErrUnknownSeries)
}

func TestReset(t *testing.T) {
	k := sessionKey(t)
	s := NewStore(nil)
	_, err := s.Merge(seqOf(record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4})), k)
	require.NoError(t, err)

	s.Reset()
	assert.Zero(t, s.Len())
	_, ok := s.Latest()
	assert.False(t, ok)

	rep, err := s.Merge(seqOf(record(t, k, "2025-01-01 10:00:00", [4]int64{1, 2, 3, 4})), k)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
}
