package memory

import "context"

func (h *handle) CreateKey(ctx context.Context, description string, tags map[string]string) (string, error) {
	if err := h.cloud.enter(ctx, "CreateKey"); err != nil {
		return "", err
	}
	c := h.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID("key")
	c.keys[id] = &keyRecord{id: id, account: h.account, grants: map[string]bool{}}
	return id, nil
}

func (h *handle) ownedKey(op, keyID string) (*keyRecord, error) {
	k, ok := h.cloud.keys[keyID]
	if !ok || k.deleted || k.account != h.account {
		return nil, notFound(op, "key", keyID)
	}
	return k, nil
}

func (h *handle) GrantKey(ctx context.Context, keyID, principal string) error {
	if err := h.cloud.enter(ctx, "GrantKey"); err != nil {
		return err
	}
	h.cloud.mu.Lock()
	defer h.cloud.mu.Unlock()

	k, err := h.ownedKey("GrantKey", keyID)
	if err != nil {
		return err
	}
	k.grants[principal] = true
	return nil
}

func (h *handle) RevokeKey(ctx context.Context, keyID, principal string) error {
	if err := h.cloud.enter(ctx, "RevokeKey"); err != nil {
		return err
	}
	h.cloud.mu.Lock()
	defer h.cloud.mu.Unlock()

	k, err := h.ownedKey("RevokeKey", keyID)
	if err != nil {
		return err
	}
	delete(k.grants, principal)
	return nil
}

func (h *handle) DeleteKey(ctx context.Context, keyID string) error {
	if err := h.cloud.enter(ctx, "DeleteKey"); err != nil {
		return err
	}
	h.cloud.mu.Lock()
	defer h.cloud.mu.Unlock()

	k, err := h.ownedKey("DeleteKey", keyID)
	if err != nil {
		return err
	}
	k.deleted = true
	k.grants = map[string]bool{}
	return nil
}
