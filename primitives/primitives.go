// Package primitives wraps the seven robot service actions in typed Go
// functions over an rpcrobot.Client. Callers never build args maps or
// interpret raw Response.Values by hand.
package primitives

import (
	"context"
	"fmt"
	"time"

	"labcell/apperr"
	"labcell/rpcrobot"
)

const (
	serviceNavigation = "/navigation_status"
	serviceStrawberry = "/get_strawberry_service"
)

// SafePose enumerates put_object's safe_pose argument.
type SafePose string

const (
	SafePosePreset  SafePose = "preset"
	SafePoseLiftUp  SafePose = "lift_up"
	SafePoseRetract SafePose = "retract"
)

// Retryable reports whether a primitive's failure may be retried
// idempotently. Navigation and waist rotation are; grab/put are not,
// since retrying them risks a double grab or a double release.
func Retryable(action string) bool {
	switch action {
	case "waiting_navigation_status", "navigation_to_pose", "turn_waist":
		return true
	default:
		return false
	}
}

// WaitingNavigationStatus polls whether the robot's navigation stack is
// idle and ready to accept a new destination.
func WaitingNavigationStatus(ctx context.Context, c *rpcrobot.Client, timeout time.Duration) error {
	_, err := c.SendRequest(ctx, serviceNavigation, "waiting_navigation_status", nil, timeout)
	return err
}

// NavigationToPose drives the robot to navigationPose and blocks until
// arrival or rejection.
func NavigationToPose(ctx context.Context, c *rpcrobot.Client, navigationPose string, timeout time.Duration) error {
	_, err := c.SendRequest(ctx, serviceNavigation, "navigation_to_pose", map[string]interface{}{
		"navigation_pose": navigationPose,
	}, timeout)
	return err
}

// GrabObject lifts the bottle at targetPose of the given type into hand.
func GrabObject(ctx context.Context, c *rpcrobot.Client, objectType, targetPose, hand string, timeout time.Duration) error {
	_, err := c.SendRequest(ctx, serviceStrawberry, "grab_object", map[string]interface{}{
		"type":        objectType,
		"target_pose": targetPose,
		"hand":        hand,
	}, timeout)
	return err
}

// TurnWaist rotates the robot's waist to angle degrees, in [-180, 180].
func TurnWaist(ctx context.Context, c *rpcrobot.Client, angle float64, obstacleAvoidance bool, timeout time.Duration) error {
	if angle < -180 || angle > 180 {
		return apperr.New(apperr.CodeBadRequest, fmt.Sprintf("turn_waist angle %v out of range [-180,180]", angle))
	}
	_, err := c.SendRequest(ctx, serviceStrawberry, "turn_waist", map[string]interface{}{
		"angle":              angle,
		"obstacle_avoidance": obstacleAvoidance,
	}, timeout)
	return err
}

// PutObject releases the held bottle of objectType at targetPose using
// the given hand and safe_pose retraction behavior.
func PutObject(ctx context.Context, c *rpcrobot.Client, objectType, targetPose, hand string, safe SafePose, timeout time.Duration) error {
	_, err := c.SendRequest(ctx, serviceStrawberry, "put_object", map[string]interface{}{
		"type":        objectType,
		"target_pose": targetPose,
		"hand":        hand,
		"safe_pose":   string(safe),
	}, timeout)
	return err
}

// Scan triggers the QR-code scan action and blocks until the robot
// signals completion.
func Scan(ctx context.Context, c *rpcrobot.Client, timeout time.Duration) error {
	_, err := c.SendRequest(ctx, serviceStrawberry, "scan", nil, timeout)
	return err
}

// DetectResult is cv_detect's payload on a positive detection.
type DetectResult struct {
	TargetPose string
	BottleType string
	Detected   bool
}

// CVDetect asks the robot's vision system for the pose/type of whatever
// bottle it currently sees, if any.
func CVDetect(ctx context.Context, c *rpcrobot.Client, timeout time.Duration) (DetectResult, error) {
	resp, err := c.SendRequest(ctx, serviceStrawberry, "cv_detect", nil, timeout)
	if err != nil {
		return DetectResult{}, err
	}
	if resp.Values == nil {
		return DetectResult{Detected: false}, nil
	}
	pose, _ := resp.Values["target_pose"].(string)
	btype, _ := resp.Values["bottle_type"].(string)
	if pose == "" && btype == "" {
		return DetectResult{Detected: false}, nil
	}
	return DetectResult{TargetPose: pose, BottleType: btype, Detected: true}, nil
}
