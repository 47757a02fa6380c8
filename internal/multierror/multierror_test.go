package multierror

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiError_Error(t *testing.T) {
	m := New[string]()
	m.Add("10.0.0.1", errors.New("connection refused"))
	m.Add("10.0.0.2", errors.New("timeout"))
	assert.Equal(t, "10.0.0.1:connection refused; 10.0.0.2:timeout", m.Error())
}

func TestMultiError_Ret(t *testing.T) {
	m := New[string]()
	assert.Nil(t, m.Ret())

	m.Add("a", nil)
	assert.Nil(t, m.Ret())

	m.Add("a", errors.New("error"))
	assert.NotNil(t, m.Ret())
}

func TestMultiError_Is(t *testing.T) {
	sentinel := errors.New("sentinel")

	m := New[int]()
	m.Add(1, errors.New("other"))
	m.Add(2, sentinel)

	require.ErrorIs(t, m.Ret(), sentinel)

	err, ok := m.Get(2)
	require.True(t, ok)
	require.Equal(t, sentinel, err)
}

func TestMultiError_ConcurrentAdd(t *testing.T) {
	m := New[int]()
	wg := sync.WaitGroup{}

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			m.Add(i, errors.New("failed"))
		}(i)
	}

	wg.Wait()
	require.Equal(t, 50, m.Len())
}
