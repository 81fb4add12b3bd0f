package handler

import (
	"testing"

	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
)

func TestUserJSON(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	b, err := easyjson.Marshal(User{Name: `Ann "A"`, Address: "Main st", Age: 3})
	a.NoError(err)
	a.Equal(`{"name":"Ann \"A\"","address":"Main st","age":3}`, string(b))

	var u User
	a.NoError(easyjson.Unmarshal([]byte(`{"age":5,"skip":{"x":[null]},"address":null,"name":"Bob"}`), &u))
	a.Equal(User{Name: "Bob", Age: 5}, u)

	a.ErrorIs(easyjson.Unmarshal([]byte(`{"age":5}`), &User{}), errNoName)
	a.Error(easyjson.Unmarshal([]byte(`{"name":"Bob","age":"old"}`), &User{}))
	a.Error(easyjson.Unmarshal([]byte(`{"name":"Bob","age":1} trailing`), &User{}))
}
