package onion

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRelay struct {
	node snode.Snode
	keys KeyPair
}

func newTestRelay(t *testing.T, port uint16) testRelay {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	var ed [KeySize]byte
	_, err = rand.Read(ed[:])
	require.NoError(t, err)
	return testRelay{
		node: snode.Snode{
			Address:          "https://127.0.0.1",
			Port:             port,
			X25519PublicKey:  kp.PublicArray(),
			Ed25519PublicKey: ed,
		},
		keys: kp,
	}
}

func newTestPath(t *testing.T, n int) ([]testRelay, []snode.Snode) {
	relays := make([]testRelay, n)
	nodes := make([]snode.Snode, n)
	for i := range relays {
		relays[i] = newTestRelay(t, uint16(30000+i))
		nodes[i] = relays[i].node
	}
	return relays, nodes
}

// relayThrough plays the hops of a path. It returns the frame the exit hop
// forwards and the per-hop keys.
func relayThrough(t *testing.T, relays []testRelay, body []byte) ([]byte, []SymmetricKey) {
	t.Helper()
	frame := body
	keys := make([]SymmetricKey, len(relays))
	for i, r := range relays {
		layer, err := OpenLayer(r.keys, frame)
		require.NoError(t, err, "hop %d", i)
		keys[i] = layer.Key
		frame = layer.Inner

		_, rawNext, err := DecodeFrame(frame)
		require.NoError(t, err)
		next, err := ParseMetadata(rawNext)
		require.NoError(t, err)
		if i < len(relays)-1 {
			assert.Equal(t, relays[i+1].node.Ed25519Hex(), next.Destination, "hop %d must only learn hop %d", i, i+1)
			for j := i + 2; j < len(relays); j++ {
				assert.False(t, bytes.Contains(frame, []byte(relays[j].node.Ed25519Hex())), "hop %d learned hop %d", i, j)
			}
		}
	}
	return frame, keys
}

func nestReply(reply []byte, keys []SymmetricKey) ([]byte, error) {
	for i := len(keys) - 1; i >= 0; i-- {
		var err error
		reply, err = Encrypt(reply, keys[i])
		if err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func TestRoundTripSnodeDestination(t *testing.T) {
	for _, nested := range []bool{false, true} {
		relays, path := newTestPath(t, 3)
		dest := newTestRelay(t, 40000)
		payload := []byte(`{"method":"retrieve","params":{"pubkey":"05ab"}}`)

		var opts []BuildOption
		if nested {
			opts = append(opts, WithNestedResponses())
		}
		env, err := BuildOnion(payload, path, SnodeDestination{Snode: dest.node}, V3, opts...)
		require.NoError(t, err)
		assert.Equal(t, path[0], env.Guard())

		exitFrame, hopKeys := relayThrough(t, relays, env.Body)
		_, rawMeta, err := DecodeFrame(exitFrame)
		require.NoError(t, err)
		meta, err := ParseMetadata(rawMeta)
		require.NoError(t, err)
		assert.Equal(t, dest.node.Ed25519Hex(), meta.Destination)

		layer, err := OpenLayer(dest.keys, exitFrame)
		require.NoError(t, err)
		got, headers, err := DecodeFrame(layer.Inner)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.JSONEq(t, `{"headers":""}`, string(headers))

		reply, err := SealV3Response(layer.Key, 200, string(got))
		require.NoError(t, err)
		if nested {
			reply, err = nestReply(reply, hopKeys)
			require.NoError(t, err)
		}

		resp, err := env.PeelResponse(reply)
		require.NoError(t, err, "nested=%v", nested)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, payload, resp.Body)

		env.Destroy()
		assert.True(t, env.keysZeroed())
	}
}

func TestRoundTripServerDestinationV4(t *testing.T) {
	relays, path := newTestPath(t, 3)
	server, err := GenerateKeyPair()
	require.NoError(t, err)

	request, err := EncodeV4Request(RequestInfo{Method: "POST", Endpoint: "/room/general/messages"}, []byte(`{"x":1}`))
	require.NoError(t, err)

	dest := ServerDestination{Host: "open.example.org", Target: string(V4), X25519PublicKey: server.PublicArray()}
	env, err := BuildOnion(request, path, dest, V4)
	require.NoError(t, err)
	defer env.Destroy()

	exitFrame, _ := relayThrough(t, relays, env.Body)
	_, rawMeta, err := DecodeFrame(exitFrame)
	require.NoError(t, err)
	meta, err := ParseMetadata(rawMeta)
	require.NoError(t, err)
	assert.True(t, meta.IsServer())
	assert.Equal(t, "open.example.org", meta.Host)
	assert.Equal(t, string(V4), meta.Target)
	assert.Equal(t, "POST", meta.Method)
	assert.Equal(t, "https", meta.Protocol)
	assert.Equal(t, uint16(443), meta.Port)

	layer, err := OpenLayer(server, exitFrame)
	require.NoError(t, err)
	info, body, err := DecodeV4Request(layer.Inner)
	require.NoError(t, err)
	assert.Equal(t, "/room/general/messages", info.Endpoint)
	assert.Equal(t, "application/json", info.Headers["Content-Type"])
	assert.Equal(t, []byte(`{"x":1}`), body)

	reply, err := SealV4Response(layer.Key, ResponseInfo{Code: 201}, []byte("created"))
	require.NoError(t, err)
	resp, err := env.PeelResponse(reply)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, []byte("created"), resp.Body)
}

func TestFreshKeysPerBuild(t *testing.T) {
	_, path := newTestPath(t, 3)
	dest := newTestRelay(t, 40000)

	a, err := BuildOnion([]byte("p"), path, SnodeDestination{Snode: dest.node}, V3)
	require.NoError(t, err)
	b, err := BuildOnion([]byte("p"), path, SnodeDestination{Snode: dest.node}, V3)
	require.NoError(t, err)
	assert.NotEqual(t, a.GuardEphemeralKey, b.GuardEphemeralKey)
	assert.NotEqual(t, a.destinationKey, b.destinationKey)
	for i := range a.hopKeys {
		assert.NotEqual(t, a.hopKeys[i], b.hopKeys[i])
	}
}

func TestTamperedLayerRejectedByHop(t *testing.T) {
	relays, path := newTestPath(t, 3)
	dest := newTestRelay(t, 40000)
	env, err := BuildOnion([]byte("payload"), path, SnodeDestination{Snode: dest.node}, V3)
	require.NoError(t, err)
	defer env.Destroy()

	ciphertext, _, err := DecodeFrame(env.Body)
	require.NoError(t, err)
	for _, bit := range []int{0, 7, 8 * IVSize, 8*len(ciphertext) - 1} {
		tampered := bytes.Clone(env.Body)
		tampered[lengthPrefixSize+bit/8] ^= 1 << (bit % 8)
		_, err := OpenLayer(relays[0].keys, tampered)
		assert.True(t, errors.Is(err, ErrAuthenticationFailed), "bit %d", bit)
	}
}

func TestTamperedResponseRejected(t *testing.T) {
	_, path := newTestPath(t, 3)
	dest := newTestRelay(t, 40000)
	env, err := BuildOnion([]byte("payload"), path, SnodeDestination{Snode: dest.node}, V4)
	require.NoError(t, err)
	defer env.Destroy()

	reply, err := SealV4Response(env.destinationKey, ResponseInfo{Code: 200}, []byte("ok"))
	require.NoError(t, err)
	reply[len(reply)-1] ^= 0x01
	_, err = env.PeelResponse(reply)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
}

func TestBuildOnionRejectsBadPaths(t *testing.T) {
	_, path := newTestPath(t, 3)
	dest := SnodeDestination{Snode: path[2]}

	_, err := BuildOnion([]byte("p"), nil, dest, V3)
	assert.Error(t, err)

	_, err = BuildOnion([]byte("p"), []snode.Snode{path[0], path[0], path[1]}, SnodeDestination{Snode: newTestRelay(t, 1).node}, V3)
	assert.Error(t, err)

	_, err = BuildOnion([]byte("p"), path, dest, V3)
	assert.Error(t, err)
}

func TestDestroyedEnvelope(t *testing.T) {
	_, path := newTestPath(t, 3)
	env, err := BuildOnion([]byte("p"), path, SnodeDestination{Snode: newTestRelay(t, 1).node}, V3)
	require.NoError(t, err)

	env.Destroy()
	env.Destroy()
	assert.True(t, env.Destroyed())
	assert.True(t, env.keysZeroed())
	_, err = env.PeelResponse([]byte(`{"result":""}`))
	assert.True(t, errors.Is(err, ErrEnvelopeDestroyed))
}

func TestFrameCodec(t *testing.T) {
	frame, err := EncodeFrame([]byte{1, 2, 3}, Metadata{EphemeralKey: "ab"})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0, 0, 0, 1, 2, 3}, frame[:7])

	ct, meta, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, ct)
	assert.JSONEq(t, `{"ephemeral_key":"ab"}`, string(meta))

	_, _, err = DecodeFrame([]byte{9, 0, 0, 0, 1})
	assert.True(t, errors.Is(err, ErrMalformedLayer))
	_, _, err = DecodeFrame([]byte{1})
	assert.True(t, errors.Is(err, ErrMalformedLayer))
}

func TestV4Codec(t *testing.T) {
	info, body, err := DecodeV4Response([]byte(`l12:{"code":200}5:helloe`))
	require.NoError(t, err)
	assert.Equal(t, 200, info.Code)
	assert.Equal(t, []byte("hello"), body)

	info, body, err = DecodeV4Response([]byte(`l12:{"code":404}e`))
	require.NoError(t, err)
	assert.Equal(t, 404, info.Code)
	assert.Nil(t, body)

	for _, bad := range []string{"", "l", "x14:{}e", `l99:{"code":200}e`, `l3:abce`} {
		_, _, err := DecodeV4Response([]byte(bad))
		assert.True(t, errors.Is(err, ErrMalformedResponse), "input %q", bad)
	}

	headers := map[string]string{"User-Agent": "x", "X-Foo": "bar"}
	req, err := EncodeV4Request(RequestInfo{Endpoint: "/capabilities", Headers: headers}, nil)
	require.NoError(t, err)
	got, reqBody, err := DecodeV4Request(req)
	require.NoError(t, err)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, map[string]string{"X-Foo": "bar"}, got.Headers)
	assert.Nil(t, reqBody)
	assert.Contains(t, headers, "User-Agent", "caller's headers must not be modified")
}

func TestV3RequestPayload(t *testing.T) {
	raw, err := EncodeV3Request("POST", "loki/v1/rpc", map[string]string{"Accept-Encoding": "true"}, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"{\"a\":1}","endpoint":"loki/v1/rpc","method":"POST","headers":{"Accept-Encoding":true,"Content-Type":"application/json"}}`, string(raw))
}

func TestWorkersBuildAndPeel(t *testing.T) {
	w := NewWorkers(2, false)
	assert.Equal(t, 2, w.Size())

	relays, path := newTestPath(t, 3)
	dest := newTestRelay(t, 40000)
	env, err := w.Build(context.Background(), []byte("hi"), path, SnodeDestination{Snode: dest.node}, V3)
	require.NoError(t, err)
	defer env.Destroy()

	exitFrame, _ := relayThrough(t, relays, env.Body)
	layer, err := OpenLayer(dest.keys, exitFrame)
	require.NoError(t, err)
	reply, err := SealV3Response(layer.Key, 200, "ok")
	require.NoError(t, err)

	resp, err := w.Peel(context.Background(), env, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Body)
}

func TestWorkersBuildCancelled(t *testing.T) {
	w := NewWorkers(1, false)
	_, path := newTestPath(t, 3)
	dest := SnodeDestination{Snode: newTestRelay(t, 1).node}

	require.NoError(t, w.sem.Acquire(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Build(ctx, []byte("p"), path, dest, V3)
	assert.Error(t, err)
	w.sem.Release(1)
}
