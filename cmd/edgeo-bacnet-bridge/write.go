package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo/drivers/bacnet-bridge/bridge"
)

var (
	writeObjectType string
	writeProperty   string
	writeValue      string
	writePriority   int
	writeArrayIndex int
	writeMultiple   bool
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Submit a property write to a BACnet object",
	Long: `Write submits a WriteProperty or WritePropertyMultiple request and
prints the allocated invoke ID. The request is fire-and-forget: the
acknowledgement arrives through the receive loop, not here.

Value types are automatically detected:
  - Numbers: 123, 45.67, -10
  - Booleans: true, false, active, inactive
  - Strings: "text value"
  - Null: null (to release priority)

Examples:
  # Write present value to an analog output
  edgeo-bacnet-bridge write -d 1234 -a 10.0.0.9:47808 -O analog-output:1 -P present-value -V 75.5

  # Write with priority via WritePropertyMultiple
  edgeo-bacnet-bridge write -d 1234 -a 10.0.0.9:47808 -O binary-output:1 -V true --priority 8 --multiple

  # Release a priority (write null)
  edgeo-bacnet-bridge write -d 1234 -a 10.0.0.9:47808 -O analog-output:1 -V null --priority 8`,

	RunE: runWrite,
}

func init() {
	writeCmd.Flags().StringVarP(&writeObjectType, "object", "O", "", "Object type and instance (e.g., analog-output:1)")
	writeCmd.Flags().StringVarP(&writeProperty, "property", "P", "present-value", "Property identifier")
	writeCmd.Flags().StringVarP(&writeValue, "value", "V", "", "Value to write")
	writeCmd.Flags().IntVar(&writePriority, "priority", 0, "Write priority (1-16, 0 for no priority)")
	writeCmd.Flags().IntVar(&writeArrayIndex, "index", -1, "Array index (-1 for no index)")
	writeCmd.Flags().BoolVar(&writeMultiple, "multiple", false, "Use WritePropertyMultiple instead of WriteProperty")

	writeCmd.MarkFlagRequired("object")
	writeCmd.MarkFlagRequired("value")
}

func runWrite(cmd *cobra.Command, args []string) error {
	if deviceID == 0 {
		return fmt.Errorf("device ID is required (-d or --device)")
	}

	objectID, err := bridge.ParseObjectIdentifier(writeObjectType)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	propID, ok := bridge.ParsePropertyIdentifier(writeProperty)
	if !ok {
		return fmt.Errorf("invalid property: %q", writeProperty)
	}

	value, err := parseValue(writeValue)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	b, stack, err := createBridge()
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	if err := datalinkUp(b, cmd); err != nil {
		return err
	}
	defer stack.Close()
	if err := bindTarget(stack); err != nil {
		return err
	}

	ctx := cmd.Context()
	var invokeID uint8

	if writeMultiple {
		write := bridge.PropertyWrite{
			Property: propID,
			Value:    value,
		}
		if writePriority > 0 && writePriority <= 16 {
			write.Priority = uint8(writePriority)
		}
		if writeArrayIndex >= 0 {
			idx := uint32(writeArrayIndex)
			write.ArrayIndex = &idx
		}
		invokeID = b.SendWritePropertyMultiple(ctx, deviceID, bridge.WriteAccessData{{
			Object: objectID,
			Writes: []bridge.PropertyWrite{write},
		}})
	} else {
		priority := uint8(0)
		if writePriority > 0 && writePriority <= 16 {
			priority = uint8(writePriority)
		}
		invokeID = b.SendWriteProperty(ctx, deviceID, objectID, propID, value, priority)
	}

	if invokeID == 0 {
		return fmt.Errorf("write submission failed")
	}
	fmt.Printf("Submitted write to %s.%s (invoke ID %d)\n", objectID.String(), propID.String(), invokeID)
	return nil
}

func parseValue(s string) (interface{}, error) {
	s = strings.TrimSpace(s)

	// Null
	if strings.ToLower(s) == "null" {
		return nil, nil
	}

	// Boolean
	switch strings.ToLower(s) {
	case "true", "active", "on":
		return true, nil
	case "false", "inactive", "off":
		return false, nil
	}

	// Quoted string
	if (strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"")) ||
		(strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'")) {
		return s[1 : len(s)-1], nil
	}

	// Try float
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return float32(f), nil
		}
	}

	// Try integer
	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		if i < 0 {
			return int32(i), nil
		}
		return uint32(i), nil
	}

	// Default to string
	return s, nil
}
