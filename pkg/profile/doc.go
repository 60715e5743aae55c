// Package profile decodes iOS provisioning profiles into signing credentials.
//
// A profile may be supplied either as the CMS (PKCS#7) container Apple ships
// (.mobileprovision) or as the plist payload that `security cms -D` already
// extracted. Both shapes decode to the same [Credential]:
//
//	var dec profile.Decoder
//	cred, err := dec.Decode(ctx, "dist.mobileprovision")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cred.UUID, cred.TeamID)
package profile
