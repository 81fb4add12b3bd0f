package handler

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/ozontech/duplex/part"
)

const maxJSONBody = 1 << 20

// NewApp returns the demo application.
func NewApp(log *zap.Logger) *Router {
	r := NewRouter(log)
	r.Use(Recover, Debug)

	r.Get("/", text("This is a test"))
	r.Get("/hello", text("Hello"))
	r.Get("/hello2", hello)
	r.Get("/user", getUser)
	r.Put("/user/name", userName)
	r.Get("/user/{id}", userID)
	r.Put("/user", grownUp)
	r.Put("/user-future", grownUp)
	r.Get("/string", text("Hello"))
	r.Get("/test", text("GoodBye"), Suffix("\ntest\n"))
	r.Post("/echo", Echo)
	r.Post("/duplex.Echo/Ping", Ping)
	return r
}

func text(s string) Func {
	return func(ctx context.Context, ex *Exchange) error {
		return ex.Text(ctx, 200, s)
	}
}

func hello(ctx context.Context, ex *Exchange) error {
	name := ex.Query().Get("name")
	if name == "" {
		return Errorf(400, "You need a %q query parameter.", "name")
	}
	return ex.Text(ctx, 200, "Hello "+name)
}

func getUser(ctx context.Context, ex *Exchange) error {
	name := ex.Query().Get("name")
	if name == "" {
		name = "Unknown"
	}
	return replyJSON(ctx, ex, User{Name: name, Age: 42})
}

func userName(ctx context.Context, ex *Exchange) error {
	u, err := readUser(ex)
	if err != nil {
		return err
	}
	return ex.Text(ctx, 200, "Hello "+u.Name)
}

func userID(ctx context.Context, ex *Exchange) error {
	id, _ := strconv.Atoi(ex.Params["id"])
	return ex.Text(ctx, 200, "User id: "+strconv.Itoa(id))
}

func grownUp(ctx context.Context, ex *Exchange) error {
	u, err := readUser(ex)
	if err != nil {
		return err
	}
	return replyJSON(ctx, ex, User{Name: u.Name, Age: u.Age + 1})
}

func readUser(ex *Exchange) (User, error) {
	var u User
	b, err := io.ReadAll(io.LimitReader(ex.Req.Body(), maxJSONBody))
	if err != nil {
		return u, err
	}
	if err := easyjson.Unmarshal(b, &u); err != nil {
		return u, &HTTPError{Status: 400, Message: err.Error()}
	}
	return u, nil
}

func replyJSON(ctx context.Context, ex *Exchange, v easyjson.Marshaler) error {
	b, err := easyjson.Marshal(v)
	if err != nil {
		return err
	}
	return ex.Reply(ctx, 200, "application/json", b)
}

// Echo streams the request body back chunk by chunk, followed by the
// request trailers.
func Echo(ctx context.Context, ex *Exchange) error {
	var f part.Fields
	if ct := ex.Req.Fields().Get("content-type"); ct != "" {
		f.Add("content-type", ct)
	}
	if err := ex.W.WriteHead(ctx, part.Head{Status: 200, Fields: f}); err != nil {
		return err
	}

	body := ex.Req.Body()
	for {
		chunk, err := body.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := ex.W.Write(ctx, chunk); err != nil {
			return err
		}
	}
	return ex.W.End(ctx, body.Trailers().Clone())
}
