package tool

import (
	"fmt"
)

// DefaultRegistry returns the full mock API the benchmark workflows run
// against. Tools mutate world state directly; the orchestrator is their only
// caller.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	specs := []Spec{
		{
			Name:        "get_record",
			Description: "Fetch one record by id.",
			Parameters:  objSchema(map[string]any{"record_id": schemaString}, "record_id"),
			Do:          getRecord,
		},
		{
			Name:        "auth_check",
			Description: "Verify the caller may act on a record.",
			Parameters:  objSchema(map[string]any{"record_id": schemaString}, "record_id"),
			Do:          authCheck,
		},
		{
			Name:        "policy_check",
			Description: "Evaluate a business policy against current inventory.",
			Parameters: objSchema(map[string]any{
				"action":  schemaString,
				"context": map[string]any{"type": "object"},
			}, "action"),
			Do: policyCheck,
		},
		{
			Name:        "update_record",
			Description: "Apply a field patch to a record.",
			Parameters: objSchema(map[string]any{
				"record_id": schemaString,
				"patch":     map[string]any{"type": "object"},
			}, "record_id", "patch"),
			Do: updateRecord,
		},
		{
			Name:         "send_message",
			Description:  "Send a message to a user. Cannot be unsent.",
			Parameters:   objSchema(map[string]any{"user_id": schemaString, "text": schemaString}, "user_id", "text"),
			Do:           sendMessage,
			Irreversible: true,
		},
		{
			Name:         "notify_user",
			Description:  "Notify the owner of a record. Cannot be unsent.",
			Parameters:   objSchema(map[string]any{"record_id": schemaString}, "record_id"),
			Do:           notifyUser,
			Irreversible: true,
		},
		{
			Name:        "create_ticket",
			Description: "Open an escalation ticket.",
			Parameters:  objSchema(map[string]any{"summary": schemaString, "severity": schemaString}, "summary", "severity"),
			Do:          createTicket,
		},
		{
			Name:         "commit",
			Description:  "Mark the workflow's transaction as committed.",
			Parameters:   objSchema(nil),
			Do:           commit,
			Irreversible: true,
		},
		{
			Name:        "write_audit",
			Description: "Append an explicit audit marker for a record.",
			Parameters:  objSchema(map[string]any{"record_id": schemaString}, "record_id"),
			Do:          writeAudit,
		},
		{
			Name:              "lock_inventory",
			Description:       "Reserve quantity of an item.",
			Parameters:        objSchema(map[string]any{"item_id": schemaString, "qty": schemaInt}, "item_id", "qty"),
			Do:                lockInventory,
			Compensate:        unlockInventory,
			CompensateName:    "unlock_inventory",
			CompensateArgKeys: []string{"item_id", "qty"},
		},
		{
			Name:        "unlock_inventory",
			Description: "Release a previous reservation.",
			Parameters:  objSchema(map[string]any{"item_id": schemaString, "qty": schemaInt}, "item_id", "qty"),
			Do:          unlockInventory,
		},
		{
			Name:              "process_payment",
			Description:       "Charge a payment for an order.",
			Parameters:        objSchema(map[string]any{"order_id": schemaString, "amount": schemaInt}, "order_id", "amount"),
			Do:                processPayment,
			Compensate:        refundPayment,
			CompensateName:    "refund_payment",
			CompensateArgKeys: []string{"order_id", "amount"},
		},
		{
			Name:        "refund_payment",
			Description: "Refund a previously processed payment.",
			Parameters:  objSchema(map[string]any{"order_id": schemaString, "amount": schemaInt}, "order_id", "amount"),
			Do:          refundPayment,
		},
	}
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(fmt.Sprintf("tool: default registry: %v", err))
		}
	}
	return r
}

var (
	schemaString = map[string]any{"type": "string"}
	schemaInt    = map[string]any{"type": "integer", "minimum": 0}
)

func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object"}
	if len(props) > 0 {
		s["properties"] = props
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func getRecord(env Env, args map[string]any) (map[string]any, error) {
	rid := stringArg(args, "record_id")
	rec, ok := env.World.Records[rid]
	if !ok {
		return nil, fmt.Errorf("record %s not found", rid)
	}
	return map[string]any{"record": rec}, nil
}

func authCheck(env Env, args map[string]any) (map[string]any, error) {
	rid := stringArg(args, "record_id")
	if _, ok := env.World.Records[rid]; !ok {
		return nil, fmt.Errorf("record %s not found", rid)
	}
	return map[string]any{"authorized": true, "record_id": rid}, nil
}

func policyCheck(env Env, args map[string]any) (map[string]any, error) {
	action := stringArg(args, "action")
	ctx := mapArg(args, "context")
	required := mapArg(ctx, "required_inventory")
	for item, v := range required {
		qty := asInt(v)
		if env.World.Inventory[item] < qty {
			return nil, fmt.Errorf("insufficient inventory: %s", item)
		}
	}
	return map[string]any{"allowed": true, "action": action}, nil
}

func updateRecord(env Env, args map[string]any) (map[string]any, error) {
	rid := stringArg(args, "record_id")
	patch := mapArg(args, "patch")
	rec, ok := env.World.Records[rid]
	if !ok {
		return nil, fmt.Errorf("record %s not found", rid)
	}
	for k, v := range patch {
		rec[k] = v
	}
	env.World.Append(env.Now, map[string]any{
		"action":    "update_record",
		"record_id": rid,
		"patch":     patch,
	})
	return map[string]any{"record_id": rid, "updated": true}, nil
}

func sendMessage(env Env, args map[string]any) (map[string]any, error) {
	uid := stringArg(args, "user_id")
	env.World.Append(env.Now, map[string]any{
		"action":  "send_message",
		"user_id": uid,
		"text":    stringArg(args, "text"),
	})
	return map[string]any{"user_id": uid, "sent": true}, nil
}

func notifyUser(env Env, args map[string]any) (map[string]any, error) {
	rid := stringArg(args, "record_id")
	if _, ok := env.World.Records[rid]; !ok {
		return nil, fmt.Errorf("record %s not found", rid)
	}
	env.World.Append(env.Now, map[string]any{
		"action":    "notify_user",
		"record_id": rid,
	})
	return map[string]any{"record_id": rid, "notified": true}, nil
}

func createTicket(env Env, args map[string]any) (map[string]any, error) {
	ticketID := fmt.Sprintf("TKT-%d", len(env.World.AuditLog))
	env.World.Append(env.Now, map[string]any{
		"action":    "create_ticket",
		"ticket_id": ticketID,
		"summary":   stringArg(args, "summary"),
		"severity":  stringArg(args, "severity"),
	})
	return map[string]any{"ticket_id": ticketID, "created": true}, nil
}

func commit(env Env, args map[string]any) (map[string]any, error) {
	env.World.Append(env.Now, map[string]any{"action": "commit"})
	return map[string]any{"committed": true}, nil
}

func writeAudit(env Env, args map[string]any) (map[string]any, error) {
	rid := stringArg(args, "record_id")
	env.World.Append(env.Now, map[string]any{
		"action":    "write_audit",
		"record_id": rid,
	})
	return map[string]any{"record_id": rid, "written": true}, nil
}

func lockInventory(env Env, args map[string]any) (map[string]any, error) {
	item := stringArg(args, "item_id")
	qty := asInt(args["qty"])
	have := env.World.Inventory[item]
	if have < qty {
		return nil, fmt.Errorf("insufficient inventory: %s (have %d, want %d)", item, have, qty)
	}
	env.World.Inventory[item] = have - qty
	env.World.Append(env.Now, map[string]any{
		"action":  "lock_inventory",
		"item_id": item,
		"qty":     qty,
	})
	return map[string]any{"item_id": item, "locked": qty}, nil
}

func unlockInventory(env Env, args map[string]any) (map[string]any, error) {
	item := stringArg(args, "item_id")
	qty := asInt(args["qty"])
	env.World.Inventory[item] += qty
	env.World.Append(env.Now, map[string]any{
		"action":  "unlock_inventory",
		"item_id": item,
		"qty":     qty,
	})
	return map[string]any{"item_id": item, "unlocked": qty}, nil
}

func processPayment(env Env, args map[string]any) (map[string]any, error) {
	orderID := stringArg(args, "order_id")
	amount := asInt(args["amount"])
	env.World.Append(env.Now, map[string]any{
		"action":   "process_payment",
		"order_id": orderID,
		"amount":   amount,
	})
	return map[string]any{"order_id": orderID, "charged": amount}, nil
}

func refundPayment(env Env, args map[string]any) (map[string]any, error) {
	orderID := stringArg(args, "order_id")
	amount := asInt(args["amount"])
	env.World.Append(env.Now, map[string]any{
		"action":   "refund_payment",
		"order_id": orderID,
		"amount":   amount,
	})
	return map[string]any{"order_id": orderID, "refunded": amount}, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func mapArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// asInt accepts the numeric shapes JSON decoding can produce.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
