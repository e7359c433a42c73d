package storagesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

func expectErr(op string, err error, expected error) error {
	if !errors.Is(err, expected) {
		return fmt.Errorf("%s: expected %v, got %v", op, expected, err)
	}
	return nil
}

func readAll(ctx context.Context, provider Provider, path string) ([]byte, error) {
	reader, err := provider.OpenRead(ctx, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Tester exercises the contract every Provider has to fulfill.
func Tester(provider Provider, content []byte) error {
	ctx := context.Background()
	err := provider.Start(ctx)
	if err != nil {
		return err
	}
	defer provider.Stop(ctx)

	const tempPath = "spool/tester.tmp"
	const finalPath = "2024/01/01/tester"
	const otherPath = "2024/01/01/tester-1"

	err = provider.Put(ctx, tempPath, bytes.NewReader(content))
	if err != nil {
		return err
	}
	err = expectErr("second put", provider.Put(ctx, tempPath, bytes.NewReader(content)), ErrObjectAlreadyExists)
	if err != nil {
		return err
	}
	err = provider.Move(ctx, tempPath, finalPath)
	if err != nil {
		return err
	}
	_, err = provider.OpenRead(ctx, tempPath)
	if err = expectErr("read moved path", err, ErrObjectNotFound); err != nil {
		return err
	}
	result, err := readAll(ctx, provider, finalPath)
	if err != nil {
		return err
	}
	if !bytes.Equal(content, result) {
		return errors.New("read result returned invalid content")
	}

	err = provider.Put(ctx, otherPath, bytes.NewReader(content))
	if err != nil {
		return err
	}
	err = expectErr("move onto existing", provider.Move(ctx, otherPath, finalPath), ErrObjectAlreadyExists)
	if err != nil {
		return err
	}
	err = expectErr("move missing", provider.Move(ctx, tempPath, "2024/01/01/missing"), ErrObjectNotFound)
	if err != nil {
		return err
	}

	usable, err := provider.UsableSpace(ctx)
	if err != nil {
		return err
	}
	total, err := provider.TotalSpace(ctx)
	if err != nil {
		return err
	}
	if usable < 0 || total <= 0 || usable > total {
		return fmt.Errorf("implausible capacity: usable %d, total %d", usable, total)
	}

	for _, path := range []string{finalPath, otherPath} {
		err = provider.Delete(ctx, path)
		if err != nil {
			return err
		}
	}
	err = expectErr("second delete", provider.Delete(ctx, finalPath), ErrObjectNotFound)
	if err != nil {
		return err
	}
	_, err = provider.OpenRead(ctx, finalPath)
	return expectErr("read deleted path", err, ErrObjectNotFound)
}
