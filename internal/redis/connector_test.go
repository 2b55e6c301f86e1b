package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/beacon/internal/logger"
)

func fastOptions() ConnectOptions {
	return ConnectOptions{
		ConnectTimeout: time.Second,
		RetryInterval:  10 * time.Millisecond,
		MaxWait:        50 * time.Millisecond,
		PingTimeout:    100 * time.Millisecond,
		WarnThreshold:  2,
	}
}

func TestConnectByAddr(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := fastOptions()
	opts.Addr = mr.Addr()

	client, err := Connect(context.Background(), opts, logger.NewNop())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestConnectByURL(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := fastOptions()
	opts.URL = "redis://" + mr.Addr() + "/3"

	client, err := Connect(context.Background(), opts, logger.NewNop())
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 3, client.Options().DB)
}

func TestConnectWaitsForServer(t *testing.T) {
	// Reserve an address, start miniredis on it only after a few failed pings.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	mr := miniredis.NewMiniRedis()
	t.Cleanup(mr.Close)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = mr.StartAddr(addr)
	}()

	opts := fastOptions()
	opts.Addr = addr
	client, err := Connect(context.Background(), opts, logger.NewNop())
	require.NoError(t, err)
	_ = client.Close()
}

func TestConnectTimesOut(t *testing.T) {
	opts := fastOptions()
	opts.Addr = "127.0.0.1:1"
	opts.ConnectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := Connect(context.Background(), opts, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectValidatesOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ConnectOptions)
	}{
		{name: "no address", mutate: func(o *ConnectOptions) { o.Addr = "" }},
		{name: "zero timeout", mutate: func(o *ConnectOptions) { o.ConnectTimeout = 0 }},
		{name: "zero retry", mutate: func(o *ConnectOptions) { o.RetryInterval = 0 }},
		{name: "zero max wait", mutate: func(o *ConnectOptions) { o.MaxWait = 0 }},
		{name: "zero ping timeout", mutate: func(o *ConnectOptions) { o.PingTimeout = 0 }},
		{name: "negative warn threshold", mutate: func(o *ConnectOptions) { o.WarnThreshold = -1 }},
		{name: "bad url", mutate: func(o *ConnectOptions) { o.URL = "http://nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fastOptions()
			opts.Addr = "127.0.0.1:6379"
			tt.mutate(&opts)
			_, err := Connect(context.Background(), opts, logger.NewNop())
			assert.Error(t, err)
		})
	}
}
