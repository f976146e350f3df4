package set_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/akaBetsy/cpss/pkg/set"
)

func TestSet(t *testing.T) {
	s := set.New[string]()
	s.Append("a", "b")
	s.Append("b")

	assert.Equal(t, 2, s.Size())
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))
}

func TestSet_Difference(t *testing.T) {
	a := set.New[string]()
	a.Append("CVE-2021-0001", "CVE-2021-0002", "CVE-2021-0003")

	b := set.New[string]()
	b.Append("CVE-2021-0002")

	d := a.Difference(b)
	assert.Equal(t, 2, d.Size())
	assert.True(t, d.Contains("CVE-2021-0001"))
	assert.True(t, d.Contains("CVE-2021-0003"))
	assert.False(t, d.Contains("CVE-2021-0002"))
}

func TestOrdered_Values(t *testing.T) {
	s := set.NewOrdered[string]()
	s.Append("b", "c", "a", "b")

	assert.Equal(t, []string{"a", "b", "c"}, s.Values())
}

func TestSet_Union(t *testing.T) {
	a := set.New[int]()
	a.Append(1, 2)
	b := set.New[int]()
	b.Append(2, 3)

	u := a.Union(b)
	assert.Equal(t, 3, u.Size())
}
