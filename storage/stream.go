package storage

// XAdd appends an entry to the stream at key, creating it if absent.
//
// If autoSeq is true, id.Seq is ignored and a sequence number is derived:
// continuing from the last entry's sequence if id.Ms matches its
// millisecond, or starting from 0 (1 when id.Ms is 0, since 0-0 is
// reserved) otherwise. Callers resolve the "*" request form to the current
// time before calling, so a fully automatic ID and a "ms-*" partial ID both
// pass through this same path.
//
// If autoSeq is false, id is used exactly as given: it must be strictly
// greater than the stream's current last ID and must not be 0-0.
func (k *Keyspace) XAdd(key string, id StreamID, autoSeq bool, fields []FieldValue) (StreamID, error) {
	sh := k.shardFor(key)
	sh.mu.Lock()

	value, exists := sh.data[key]
	if exists && value.IsExpired() {
		exists = false
	}

	var stream *StreamValue
	if exists {
		if value.Type != ValueTypeStream {
			sh.mu.Unlock()
			return StreamID{}, ErrWrongType
		}
		stream, _ = value.Data.(*StreamValue)
	} else {
		stream = &StreamValue{}
		value = &Value{Type: ValueTypeStream, Data: stream}
	}

	last := stream.LastID()

	if autoSeq {
		if id.Ms == last.Ms {
			id.Seq = last.Seq + 1
		} else if id.Ms == 0 {
			id.Seq = 1
		} else {
			id.Seq = 0
		}
	}

	if id.IsZero() {
		sh.mu.Unlock()
		return StreamID{}, ErrXAddIDZero
	}
	if id.Compare(last) <= 0 {
		sh.mu.Unlock()
		return StreamID{}, ErrXAddIDTooSmall
	}

	owned := make([]FieldValue, len(fields))
	for i, f := range fields {
		owned[i] = FieldValue{
			Name:  append([]byte(nil), f.Name...),
			Value: append([]byte(nil), f.Value...),
		}
	}
	stream.Entries = append(stream.Entries, StreamEntry{ID: id, Fields: owned})

	if !exists {
		sh.data[key] = value
	}

	sh.mu.Unlock()
	k.notifyAppended(key)

	return id, nil
}

// XRange returns entries with IDs in [start, end], inclusive on both ends.
func (k *Keyspace) XRange(key string, start, end StreamID) []StreamEntry {
	sh := k.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() || value.Type != ValueTypeStream {
		return nil
	}
	stream, _ := value.Data.(*StreamValue)
	if stream == nil {
		return nil
	}

	result := make([]StreamEntry, 0)
	for _, entry := range stream.Entries {
		if entry.ID.Compare(start) >= 0 && entry.ID.Compare(end) <= 0 {
			result = append(result, entry)
		}
	}
	return result
}

// StreamLastID returns the last (highest) entry ID appended to key, or the
// zero ID if key doesn't exist, is expired, or holds a non-stream value.
// Used to resolve XREAD's "$" placeholder to "whatever is currently last".
func (k *Keyspace) StreamLastID(key string) StreamID {
	sh := k.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() || value.Type != ValueTypeStream {
		return StreamID{}
	}
	stream, _ := value.Data.(*StreamValue)
	if stream == nil {
		return StreamID{}
	}
	return stream.LastID()
}

// XReadAfter returns entries with an ID strictly greater than after, in
// stream order. Used both by XREAD's non-blocking form and by the blocking
// coordinator's post-wakeup re-check.
func (k *Keyspace) XReadAfter(key string, after StreamID) []StreamEntry {
	sh := k.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() || value.Type != ValueTypeStream {
		return nil
	}
	stream, _ := value.Data.(*StreamValue)
	if stream == nil {
		return nil
	}

	result := make([]StreamEntry, 0)
	for _, entry := range stream.Entries {
		if entry.ID.Compare(after) > 0 {
			result = append(result, entry)
		}
	}
	return result
}
