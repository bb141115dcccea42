package bucketdb

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type (
	User struct {
		Email string `msgpack:"e"`
		Name  string `msgpack:"n"`
	}
)

func TestBucket(t *testing.T) {
	b := setup(t)

	users := must(b.Table("users"))
	ensure(Put(users, "u1", &User{Email: "al@example.com", Name: "Al"}))
	ensure(Put(users, "u2", &User{Email: "bo@example.com", Name: "Bo"}))

	deepEqual(t, must(Get[User](users, "u1")), &User{Email: "al@example.com", Name: "Al"})
	deepEqual(t, must(Get[User](users, "u2")), &User{Email: "bo@example.com", Name: "Bo"})
	isnil(t, must(Get[User](users, "u3")))

	again := must(b.Table("users"))
	if again != users {
		t.Errorf("Table returned a different handle for the same name")
	}
}

func TestBucket_durabilityAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	b := must(Open(dir, testOptions(t)))
	users := must(b.Table("users"))
	ensure(Put(users, "u1", &User{Name: "Al"}))
	ensure(b.Close())

	b = must(Open(dir, testOptions(t)))
	defer b.Close()
	users = must(b.Table("users"))
	deepEqual(t, must(Get[User](users, "u1")), &User{Name: "Al"})
}

func TestBucket_separateTables(t *testing.T) {
	b := setup(t)

	users := must(b.Table("users"))
	posts := must(b.Table("posts"))
	ensure(users.Put("k", RawRecord([]byte("user"))))
	ensure(posts.Put("k", RawRecord([]byte("post"))))

	rec, ok, err := users.Get("k")
	ensure(err)
	if !ok || string(rec.Payload) != "user" {
		t.Errorf("users/k = %q, %v", rec.Payload, ok)
	}
	rec, ok, err = posts.Get("k")
	ensure(err)
	if !ok || string(rec.Payload) != "post" {
		t.Errorf("posts/k = %q, %v", rec.Payload, ok)
	}

	ensure(users.Delete("k"))
	_, ok, err = posts.Get("k")
	ensure(err)
	if !ok {
		t.Errorf("deleting users/k also deleted posts/k")
	}
}

func TestBucket_createsRootDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "db")
	b := must(Open(dir, testOptions(t)))
	defer b.Close()

	st := must(os.Stat(dir))
	if !st.IsDir() {
		t.Errorf("root is not a directory")
	}
}

func TestBucket_rootIsNotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	ensure(os.WriteFile(path, []byte("x"), 0o666))

	if _, err := Open(path, testOptions(t)); err == nil {
		t.Fatalf("Open succeeded on a regular file")
	}
}

func TestBucket_closed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	b := must(Open(dir, testOptions(t)))
	users := must(b.Table("users"))
	ensure(users.Put("k", RawRecord([]byte("v"))))
	ensure(b.Close())
	ensure(b.Close()) // idempotent

	if _, err := b.Table("users"); !errors.Is(err, ErrClosed) {
		t.Errorf("Table after Close: err = %v, wanted ErrClosed", err)
	}
	if err := users.Put("k", RawRecord([]byte("v"))); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close: err = %v, wanted ErrClosed", err)
	}
	if _, _, err := users.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close: err = %v, wanted ErrClosed", err)
	}
	if err := users.Delete("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after Close: err = %v, wanted ErrClosed", err)
	}
	if err := users.Compact(); !errors.Is(err, ErrClosed) {
		t.Errorf("Compact after Close: err = %v, wanted ErrClosed", err)
	}
	c := users.Scan()
	if c.Next() {
		t.Errorf("Scan after Close yielded an entry")
	}
	if !errors.Is(c.Err(), ErrClosed) {
		t.Errorf("Scan after Close: err = %v, wanted ErrClosed", c.Err())
	}
}

func TestBucket_tableNames(t *testing.T) {
	b := setup(t)

	for _, name := range []string{"", ".", "..", "a/b", "a\\b", "a\x00b"} {
		if _, err := b.Table(name); err == nil {
			t.Errorf("Table(%q) succeeded, wanted error", name)
		}
	}
	for _, name := range []string{"users", "Users-2", "user.archive"} {
		if _, err := b.Table(name); err != nil {
			t.Errorf("Table(%q) failed: %v", name, err)
		}
	}
}

func setup(t testing.TB) *Bucket {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	t.Logf("DB: %s", dir)
	b := must(Open(dir, testOptions(t)))
	t.Cleanup(func() { b.Close() })
	return b
}

func testOptions(t testing.TB) Options {
	return Options{
		IsTesting: true,
		Verbose:   true,
		Logf:      t.Logf,
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got %v, wanted nil", a)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
