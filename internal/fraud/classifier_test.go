package fraud

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClassifier() *Classifier {
	return NewWithClock(func() time.Time { return fixedNow })
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestClassify(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name   string
		in     Input
		status domain.Status
		reason string
	}{
		{
			name:   "home country pending",
			in:     Input{Amount: amount("100"), Location: "New York, USA", UserCountry: "USA"},
			status: domain.StatusPending,
			reason: ReasonHomeCountry,
		},
		{
			name:   "high value flagged",
			in:     Input{Amount: amount("6000"), Location: "New York, USA", UserCountry: "USA"},
			status: domain.StatusFlagged,
			reason: ReasonHighValue,
		},
		{
			name:   "exactly 5000 is not high value",
			in:     Input{Amount: amount("5000"), Location: "New York, USA", UserCountry: "USA"},
			status: domain.StatusPending,
			reason: ReasonHomeCountry,
		},
		{
			name:   "just above 5000 is high value",
			in:     Input{Amount: amount("5000.01"), Location: "New York, USA", UserCountry: "USA"},
			status: domain.StatusFlagged,
			reason: ReasonHighValue,
		},
		{
			name:   "alias match pending",
			in:     Input{Amount: amount("50"), Location: "London, England", UserCountry: "United Kingdom"},
			status: domain.StatusPending,
			reason: ReasonCountryAlias,
		},
		{
			name:   "foreign country flagged",
			in:     Input{Amount: amount("50"), Location: "Paris, France", UserCountry: "USA"},
			status: domain.StatusFlagged,
			reason: ReasonForeignCountry,
		},
		{
			name:   "blank home country pending",
			in:     Input{Amount: amount("50"), Location: "Paris, France", UserCountry: "   "},
			status: domain.StatusPending,
			reason: ReasonNoHomeCountry,
		},
		{
			name:   "trailing comma pending",
			in:     Input{Amount: amount("50"), Location: "Paris,", UserCountry: "USA"},
			status: domain.StatusPending,
			reason: ReasonNoLocationCountry,
		},
		{
			name:   "single segment treated as country",
			in:     Input{Amount: amount("50"), Location: "Nowhere", UserCountry: "USA"},
			status: domain.StatusFlagged,
			reason: ReasonForeignCountry,
		},
		{
			name:   "case and whitespace ignored",
			in:     Input{Amount: amount("50"), Location: "Toronto,  CANADA ", UserCountry: " canada"},
			status: domain.StatusPending,
			reason: ReasonHomeCountry,
		},
		{
			name:   "unknown countries never alias",
			in:     Input{Amount: amount("50"), Location: "Oslo, Norway", UserCountry: "Sweden"},
			status: domain.StatusFlagged,
			reason: ReasonForeignCountry,
		},
		{
			name:   "accented alias",
			in:     Input{Amount: amount("50"), Location: "Cancun, México", UserCountry: "mx"},
			status: domain.StatusPending,
			reason: ReasonCountryAlias,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.Classify(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestClassifyLocationVelocity(t *testing.T) {
	c := newTestClassifier()

	t.Run("different location inside window flags", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:      amount("10"),
			Location:    "Boston, USA",
			UserCountry: "USA",
			History:     []Prior{{Location: "New York, USA", Timestamp: fixedNow.Add(-10 * time.Minute)}},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFlagged, d.Status)
		assert.Equal(t, ReasonLocationVelocity, d.Reason)
	})

	t.Run("same location case-insensitive does not flag", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:      amount("10"),
			Location:    "New York, USA",
			UserCountry: "USA",
			History:     []Prior{{Location: "NEW YORK, usa", Timestamp: fixedNow.Add(-5 * time.Minute)}},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, d.Status)
	})

	t.Run("prior outside window ignored", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:      amount("10"),
			Location:    "Boston, USA",
			UserCountry: "USA",
			History:     []Prior{{Location: "Paris, France", Timestamp: fixedNow.Add(-61 * time.Minute)}},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, d.Status)
		assert.Equal(t, ReasonHomeCountry, d.Reason)
	})

	t.Run("prior exactly at window edge counts", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:      amount("10"),
			Location:    "Boston, USA",
			UserCountry: "USA",
			History:     []Prior{{Location: "Paris, France", Timestamp: fixedNow.Add(-VelocityWindow)}},
		})
		require.NoError(t, err)
		assert.Equal(t, ReasonLocationVelocity, d.Reason)
	})

	t.Run("future-dated prior counts", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:      amount("10"),
			Location:    "Boston, USA",
			UserCountry: "USA",
			History:     []Prior{{Location: "Paris, France", Timestamp: fixedNow.Add(2 * time.Hour)}},
		})
		require.NoError(t, err)
		assert.Equal(t, ReasonLocationVelocity, d.Reason)
	})

	t.Run("high value wins over velocity", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:      amount("9000"),
			Location:    "Boston, USA",
			UserCountry: "USA",
			History:     []Prior{{Location: "Paris, France", Timestamp: fixedNow}},
		})
		require.NoError(t, err)
		assert.Equal(t, ReasonHighValue, d.Reason)
	})

	t.Run("velocity wins over blank home country", func(t *testing.T) {
		d, err := c.Classify(Input{
			Amount:   amount("10"),
			Location: "Boston, USA",
			History:  []Prior{{Location: "Paris, France", Timestamp: fixedNow.Add(-time.Minute)}},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFlagged, d.Status)
		assert.Equal(t, ReasonLocationVelocity, d.Reason)
	})
}

func TestClassifyInvalidAmount(t *testing.T) {
	c := newTestClassifier()

	for _, s := range []string{"0", "-1", "-0.01"} {
		_, err := c.Classify(Input{Amount: amount(s), Location: "New York, USA", UserCountry: "USA"})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %s", s)
	}
}

func TestClassifyNeverApproves(t *testing.T) {
	c := newTestClassifier()
	locations := []string{"New York, USA", "Paris, France", "Nowhere", ",", "London, UK"}
	countries := []string{"", "USA", "uk", "France", "Atlantis"}
	amounts := []string{"0.01", "100", "5000", "5000.01", "99999999.99"}

	for _, loc := range locations {
		for _, country := range countries {
			for _, a := range amounts {
				d, err := c.Classify(Input{Amount: amount(a), Location: loc, UserCountry: country})
				require.NoError(t, err)
				assert.NotEqual(t, domain.StatusApproved, d.Status)
				assert.NotEmpty(t, d.Reason)
			}
		}
	}
}

func TestClassifyHistoryOrderIrrelevant(t *testing.T) {
	c := newTestClassifier()
	history := []Prior{
		{Location: "Boston, USA", Timestamp: fixedNow.Add(-3 * time.Hour)},
		{Location: "Boston, USA", Timestamp: fixedNow.Add(-5 * time.Minute)},
		{Location: "Paris, France", Timestamp: fixedNow.Add(-30 * time.Minute)},
	}
	reversed := []Prior{history[2], history[1], history[0]}

	in := Input{Amount: amount("10"), Location: "Boston, USA", UserCountry: "USA"}

	in.History = history
	a, err := c.Classify(in)
	require.NoError(t, err)

	in.History = reversed
	b, err := c.Classify(in)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, ReasonLocationVelocity, a.Reason)
}

func TestPackageClassify(t *testing.T) {
	d, err := Classify(Input{Amount: amount("1"), Location: "Berlin, Germany", UserCountry: "deutschland"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, ReasonCountryAlias, d.Reason)
}
